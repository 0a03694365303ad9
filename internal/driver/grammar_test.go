package driver

import (
	"errors"
	"testing"
)

// step is one event fed to the grammar in a trace test.
type step struct {
	kind  reqKind
	role  string
	ckind string
}

// systemPromptTrace is the legal opening every session shares.
func systemPromptTrace() []step {
	return []step{
		{kind: reqSessionStart},
		{kind: reqPromptStart},
		{kind: reqContentStart, role: RoleSystem, ckind: ContentText},
		{kind: reqTextInput, ckind: ContentText},
		{kind: reqContentEnd},
	}
}

// run feeds steps to a fresh grammar, returning the first error.
func run(steps []step) error {
	g := &grammar{}
	for _, s := range steps {
		if err := g.advance(s.kind, s.role, s.ckind); err != nil {
			return err
		}
	}
	return nil
}

// ─── TestGrammar_LegalTraces ─────────────────────────────────────────────────

func TestGrammar_LegalTraces(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		trace []step
	}{
		{
			name: "single user turn",
			trace: append(systemPromptTrace(),
				step{kind: reqContentStart, role: RoleUser, ckind: ContentAudio},
				step{kind: reqAudioInput, ckind: ContentAudio},
				step{kind: reqAudioInput, ckind: ContentAudio},
				step{kind: reqContentEnd},
				step{kind: reqPromptEnd},
				step{kind: reqSessionEnd},
			),
		},
		{
			name: "multiple turns across prompts",
			trace: append(systemPromptTrace(),
				step{kind: reqContentStart, role: RoleUser, ckind: ContentAudio},
				step{kind: reqAudioInput, ckind: ContentAudio},
				step{kind: reqContentEnd},
				step{kind: reqPromptEnd},
				step{kind: reqPromptStart},
				step{kind: reqContentStart, role: RoleUser, ckind: ContentAudio},
				step{kind: reqAudioInput, ckind: ContentAudio},
				step{kind: reqContentEnd},
				step{kind: reqPromptEnd},
				step{kind: reqSessionEnd},
			),
		},
		{
			name: "tool result prompt between turns",
			trace: append(systemPromptTrace(),
				step{kind: reqContentStart, role: RoleUser, ckind: ContentAudio},
				step{kind: reqAudioInput, ckind: ContentAudio},
				step{kind: reqContentEnd},
				step{kind: reqPromptEnd},
				step{kind: reqPromptStart},
				step{kind: reqContentStart, role: RoleTool, ckind: ContentTool},
				step{kind: reqToolResult, ckind: ContentTool},
				step{kind: reqContentEnd},
				step{kind: reqPromptEnd},
				step{kind: reqSessionEnd},
			),
		},
		{
			name: "back-to-back content blocks in one prompt",
			trace: append(systemPromptTrace(),
				step{kind: reqContentStart, role: RoleUser, ckind: ContentAudio},
				step{kind: reqContentEnd},
				step{kind: reqPromptEnd},
			),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := run(tc.trace); err != nil {
				t.Fatalf("legal trace rejected: %v", err)
			}
		})
	}
}

// ─── TestGrammar_IllegalTraces ───────────────────────────────────────────────

func TestGrammar_IllegalTraces(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		trace []step
	}{
		{
			name:  "double sessionStart",
			trace: []step{{kind: reqSessionStart}, {kind: reqSessionStart}},
		},
		{
			name:  "promptStart before sessionStart",
			trace: []step{{kind: reqPromptStart}},
		},
		{
			name: "first content not system text",
			trace: []step{
				{kind: reqSessionStart},
				{kind: reqPromptStart},
				{kind: reqContentStart, role: RoleUser, ckind: ContentAudio},
			},
		},
		{
			name: "audioInput into text content",
			trace: append(systemPromptTrace()[:4], // content still open
				step{kind: reqAudioInput, ckind: ContentAudio},
			),
		},
		{
			name: "audioInput after contentEnd",
			trace: append(systemPromptTrace(),
				step{kind: reqAudioInput, ckind: ContentAudio},
			),
		},
		{
			name: "promptEnd with content open",
			trace: append(systemPromptTrace()[:3],
				step{kind: reqPromptEnd},
			),
		},
		{
			name: "sessionEnd with prompt open",
			trace: append(systemPromptTrace(),
				step{kind: reqSessionEnd},
			),
		},
		{
			name: "toolResult outside tool content",
			trace: append(systemPromptTrace(),
				step{kind: reqContentStart, role: RoleUser, ckind: ContentAudio},
				step{kind: reqToolResult, ckind: ContentTool},
			),
		},
		{
			name: "nested promptStart",
			trace: append(systemPromptTrace()[:2],
				step{kind: reqPromptStart},
			),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := run(tc.trace)
			if err == nil {
				t.Fatal("illegal trace accepted")
			}
			if !errors.Is(err, ErrInvalidOrdering) {
				t.Fatalf("want ErrInvalidOrdering, got %v", err)
			}
		})
	}
}
