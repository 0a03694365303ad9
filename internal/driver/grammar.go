package driver

import (
	"errors"
	"fmt"
)

// ErrInvalidOrdering is the fatal error for any attempt to put the request
// stream into an illegal sequence. It indicates a bug in the caller, not a
// recoverable condition.
var ErrInvalidOrdering = errors.New("driver: invalid event ordering")

// reqKind enumerates the outbound event kinds the grammar cares about.
type reqKind int

const (
	reqSessionStart reqKind = iota
	reqPromptStart
	reqContentStart
	reqTextInput
	reqAudioInput
	reqToolResult
	reqContentEnd
	reqPromptEnd
	reqSessionEnd
)

func (k reqKind) String() string {
	switch k {
	case reqSessionStart:
		return "sessionStart"
	case reqPromptStart:
		return "promptStart"
	case reqContentStart:
		return "contentStart"
	case reqTextInput:
		return "textInput"
	case reqAudioInput:
		return "audioInput"
	case reqToolResult:
		return "toolResult"
	case reqContentEnd:
		return "contentEnd"
	case reqPromptEnd:
		return "promptEnd"
	case reqSessionEnd:
		return "sessionEnd"
	}
	return "unknown"
}

// grammarState is the abbreviated outbound state machine:
//
//	sessionBlock := sessionStart , prompt+ , sessionEnd
//	prompt       := promptStart , content+ , promptEnd
//	content      := contentStart(role,kind) , payload* , toolResult* , contentEnd
type grammarState int

const (
	stateIdle grammarState = iota
	stateOpening
	statePromptOpen
	stateContentOpen
	stateContentClosed
	statePromptClosed
	stateClosing
)

func (s grammarState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateOpening:
		return "Opening"
	case statePromptOpen:
		return "PromptOpen"
	case stateContentOpen:
		return "ContentOpen"
	case stateContentClosed:
		return "ContentClosed"
	case statePromptClosed:
		return "PromptClosed"
	case stateClosing:
		return "Closing"
	}
	return "unknown"
}

// grammar validates the total order of request events for one session.
// It is used only by the driver's single writer goroutine, so it needs no
// locking.
type grammar struct {
	state grammarState

	// openKind is the content kind of the currently open content block.
	openKind string

	// sawContent is true once any content block has been opened. The first
	// content of the session must be the SYSTEM/TEXT system prompt.
	sawContent bool
}

// advance validates one outbound event and moves the state machine, or
// returns [ErrInvalidOrdering] wrapped with the offending transition.
func (g *grammar) advance(kind reqKind, role, contentKind string) error {
	violation := func() error {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidOrdering, kind, g.state)
	}

	switch kind {
	case reqSessionStart:
		if g.state != stateIdle {
			return violation()
		}
		g.state = stateOpening

	case reqPromptStart:
		if g.state != stateOpening && g.state != statePromptClosed {
			return violation()
		}
		g.state = statePromptOpen

	case reqContentStart:
		if g.state != statePromptOpen && g.state != stateContentClosed {
			return violation()
		}
		if !g.sawContent && (role != RoleSystem || contentKind != ContentText) {
			return fmt.Errorf("%w: first content must be the SYSTEM text prompt, got role=%s kind=%s",
				ErrInvalidOrdering, role, contentKind)
		}
		g.sawContent = true
		g.openKind = contentKind
		g.state = stateContentOpen

	case reqTextInput:
		if g.state != stateContentOpen || g.openKind != ContentText {
			return violation()
		}

	case reqAudioInput:
		if g.state != stateContentOpen || g.openKind != ContentAudio {
			return violation()
		}

	case reqToolResult:
		if g.state != stateContentOpen || g.openKind != ContentTool {
			return violation()
		}

	case reqContentEnd:
		if g.state != stateContentOpen {
			return violation()
		}
		g.openKind = ""
		g.state = stateContentClosed

	case reqPromptEnd:
		if g.state != stateContentClosed {
			return violation()
		}
		g.state = statePromptClosed

	case reqSessionEnd:
		if g.state != statePromptClosed {
			return violation()
		}
		g.state = stateClosing

	default:
		return violation()
	}

	return nil
}
