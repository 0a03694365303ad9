package driver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ── Request event wire shapes ──────────────────────────────────────────────
//
// Every request event is wrapped in {"event":{"<tag>":{...}}}. The structs
// below mirror the model's bidirectional-stream protocol; audio and tool
// payloads are base64 / stringified JSON inside the envelope.

type requestEnvelope struct {
	Event map[string]any `json:"event"`
}

func marshalRequest(tag string, body any) ([]byte, error) {
	data, err := json.Marshal(requestEnvelope{Event: map[string]any{tag: body}})
	if err != nil {
		return nil, fmt.Errorf("driver: marshal %s: %w", tag, err)
	}
	return data, nil
}

type inferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

type sessionStartBody struct {
	InferenceConfiguration inferenceConfiguration `json:"inferenceConfiguration"`
}

type textConfiguration struct {
	MediaType string `json:"mediaType"`
}

type audioOutputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

type audioInputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

type toolSpec struct {
	ToolSpec toolSpecInner `json:"toolSpec"`
}

type toolSpecInner struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema toolInputSchema `json:"inputSchema"`
}

type toolInputSchema struct {
	JSON string `json:"json"`
}

type toolConfiguration struct {
	Tools []toolSpec `json:"tools,omitempty"`
}

type promptStartBody struct {
	PromptName               string                   `json:"promptName"`
	TextOutputConfiguration  textConfiguration        `json:"textOutputConfiguration"`
	AudioOutputConfiguration audioOutputConfiguration `json:"audioOutputConfiguration"`
	ToolUseOutputConfig      textConfiguration        `json:"toolUseOutputConfiguration"`
	ToolConfiguration        *toolConfiguration       `json:"toolConfiguration,omitempty"`
}

type contentStartBody struct {
	PromptName    string             `json:"promptName"`
	ContentName   string             `json:"contentName"`
	Type          string             `json:"type"`
	Role          string             `json:"role,omitempty"`
	Interactive   bool               `json:"interactive"`
	TextInputConf *textConfiguration `json:"textInputConfiguration,omitempty"`

	AudioInputConf *audioInputConfiguration `json:"audioInputConfiguration,omitempty"`

	ToolResultInputConf *toolResultInputConfiguration `json:"toolResultInputConfiguration,omitempty"`
}

type toolResultInputConfiguration struct {
	ToolUseID     string            `json:"toolUseId"`
	Type          string            `json:"type"`
	TextInputConf textConfiguration `json:"textInputConfiguration"`
}

type textInputBody struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type audioInputBody struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type toolResultBody struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
	Status      string `json:"status,omitempty"`
}

type contentEndBody struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

type promptEndBody struct {
	PromptName string `json:"promptName"`
}

type sessionEndBody struct{}

// Roles and content kinds used on the request stream.
const (
	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
	RoleTool      = "TOOL"

	ContentText  = "TEXT"
	ContentAudio = "AUDIO"
	ContentTool  = "TOOL"
)

// ── Response event sum ─────────────────────────────────────────────────────

// ResponseKind tags the variants of [ResponseEvent].
type ResponseKind int

const (
	// RespContentStart opens an assistant content block.
	RespContentStart ResponseKind = iota

	// RespTextOutput carries generated text (transcript of spoken output).
	RespTextOutput

	// RespAudioOutput carries decoded PCM16 assistant audio.
	RespAudioOutput

	// RespToolUse is a model-initiated tool request.
	RespToolUse

	// RespContentEnd closes a content block; Role and ContentType say whose.
	RespContentEnd

	// RespCompletionStart marks the beginning of a model completion.
	RespCompletionStart

	// RespCompletionEnd marks the end of a model completion.
	RespCompletionEnd

	// RespUsage carries token/audio accounting from the model.
	RespUsage

	// RespError is a model-reported error event.
	RespError

	// RespStreamClosed is the final event delivered after the response
	// stream has ended; no further events follow.
	RespStreamClosed
)

// String returns the event tag for logging.
func (k ResponseKind) String() string {
	switch k {
	case RespContentStart:
		return "contentStart"
	case RespTextOutput:
		return "textOutput"
	case RespAudioOutput:
		return "audioOutput"
	case RespToolUse:
		return "toolUse"
	case RespContentEnd:
		return "contentEnd"
	case RespCompletionStart:
		return "completionStart"
	case RespCompletionEnd:
		return "completionEnd"
	case RespUsage:
		return "usage"
	case RespError:
		return "error"
	case RespStreamClosed:
		return "streamClosed"
	}
	return "unknown"
}

// ResponseEvent is one parsed event from the model response stream. Only the
// fields relevant to Kind are populated.
type ResponseEvent struct {
	Kind ResponseKind

	// Role and ContentType are set on contentStart / contentEnd / textOutput.
	Role        string
	ContentType string

	// Text is the generated text for textOutput.
	Text string

	// Audio is decoded PCM16 for audioOutput; SampleRateHz is the per-event
	// rate advertisement, 0 when the event carried none.
	Audio        []byte
	SampleRateHz int

	// Tool request fields for toolUse.
	ToolUseID string
	ToolName  string
	ToolInput string

	// StopReason is set on contentEnd / completionEnd when present.
	StopReason string

	// Error fields for error events.
	ErrKind   string
	ErrDetail string
}

// respEnvelope mirrors the response wire shape. Exactly one member of Event
// must be non-nil; anything else is a protocol violation.
type respEnvelope struct {
	Event struct {
		ContentStart *struct {
			Type string `json:"type"`
			Role string `json:"role"`
		} `json:"contentStart"`
		TextOutput *struct {
			Content string `json:"content"`
			Role    string `json:"role"`
		} `json:"textOutput"`
		AudioOutput *struct {
			Content         string `json:"content"`
			SampleRateHertz int    `json:"sampleRateHertz"`
		} `json:"audioOutput"`
		ToolUse *struct {
			ToolUseID string `json:"toolUseId"`
			ToolName  string `json:"toolName"`
			Content   string `json:"content"`
		} `json:"toolUse"`
		ContentEnd *struct {
			Type       string `json:"type"`
			Role       string `json:"role"`
			StopReason string `json:"stopReason"`
		} `json:"contentEnd"`
		CompletionStart *struct{} `json:"completionStart"`
		CompletionEnd   *struct {
			StopReason string `json:"stopReason"`
		} `json:"completionEnd"`
		Usage *json.RawMessage `json:"usageEvent"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"event"`
}

// ParseResponse decodes one response payload into a [ResponseEvent].
// Payloads that are not valid JSON or that carry no recognised event tag are
// protocol violations and return an error.
func ParseResponse(payload []byte) (ResponseEvent, error) {
	var env respEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ResponseEvent{}, fmt.Errorf("driver: malformed response event: %w", err)
	}

	e := env.Event
	switch {
	case e.ContentStart != nil:
		return ResponseEvent{Kind: RespContentStart, Role: e.ContentStart.Role, ContentType: e.ContentStart.Type}, nil

	case e.TextOutput != nil:
		return ResponseEvent{Kind: RespTextOutput, Role: e.TextOutput.Role, Text: e.TextOutput.Content}, nil

	case e.AudioOutput != nil:
		audio, err := base64.StdEncoding.DecodeString(e.AudioOutput.Content)
		if err != nil {
			return ResponseEvent{}, fmt.Errorf("driver: audioOutput payload: %w", err)
		}
		return ResponseEvent{Kind: RespAudioOutput, Audio: audio, SampleRateHz: e.AudioOutput.SampleRateHertz}, nil

	case e.ToolUse != nil:
		return ResponseEvent{
			Kind:      RespToolUse,
			ToolUseID: e.ToolUse.ToolUseID,
			ToolName:  e.ToolUse.ToolName,
			ToolInput: e.ToolUse.Content,
		}, nil

	case e.ContentEnd != nil:
		return ResponseEvent{
			Kind:        RespContentEnd,
			Role:        e.ContentEnd.Role,
			ContentType: e.ContentEnd.Type,
			StopReason:  e.ContentEnd.StopReason,
		}, nil

	case e.CompletionStart != nil:
		return ResponseEvent{Kind: RespCompletionStart}, nil

	case e.CompletionEnd != nil:
		return ResponseEvent{Kind: RespCompletionEnd, StopReason: e.CompletionEnd.StopReason}, nil

	case e.Usage != nil:
		return ResponseEvent{Kind: RespUsage}, nil

	case e.Error != nil:
		return ResponseEvent{Kind: RespError, ErrKind: e.Error.Type, ErrDetail: e.Error.Message}, nil
	}

	return ResponseEvent{}, fmt.Errorf("driver: response event with no recognised tag")
}
