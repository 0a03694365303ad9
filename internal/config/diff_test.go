package config_test

import (
	"testing"

	"github.com/MrWong99/sonicbridge/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogInfo},
		Session: config.SessionConfig{SystemPrompt: "hello"},
		Knowledge: config.KnowledgeConfig{Tools: []config.KnowledgeToolConfig{
			{Name: "company_policies", Backend: config.BackendBedrockKB, KnowledgeBaseID: "KB1"},
		}},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.SystemPromptChanged || d.ToolsChanged {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
	if len(d.ToolChanges) != 0 {
		t.Errorf("expected 0 tool changes, got %d", len(d.ToolChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_SystemPromptChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Session: config.SessionConfig{SystemPrompt: "a"}}
	new := &config.Config{Session: config.SessionConfig{SystemPrompt: "b"}}

	d := config.Diff(old, new)
	if !d.SystemPromptChanged {
		t.Error("expected SystemPromptChanged=true")
	}
}

func TestDiff_ToolChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{Knowledge: config.KnowledgeConfig{Tools: []config.KnowledgeToolConfig{
		{Name: "kept", Backend: config.BackendBedrockKB, KnowledgeBaseID: "KB1"},
		{Name: "modified", Backend: config.BackendBedrockKB, KnowledgeBaseID: "KB2"},
		{Name: "removed", Backend: config.BackendBedrockKB, KnowledgeBaseID: "KB3"},
	}}}
	new := &config.Config{Knowledge: config.KnowledgeConfig{Tools: []config.KnowledgeToolConfig{
		{Name: "kept", Backend: config.BackendBedrockKB, KnowledgeBaseID: "KB1"},
		{Name: "modified", Backend: config.BackendBedrockKB, KnowledgeBaseID: "KB2-new"},
		{Name: "added", Backend: config.BackendPgvector},
	}}}

	d := config.Diff(old, new)
	if !d.ToolsChanged {
		t.Fatal("expected ToolsChanged=true")
	}

	byName := make(map[string]config.ToolDiff, len(d.ToolChanges))
	for _, td := range d.ToolChanges {
		byName[td.Name] = td
	}
	if _, ok := byName["kept"]; ok {
		t.Error("unchanged tool must not appear in the diff")
	}
	if td := byName["modified"]; !td.Modified {
		t.Errorf("modified tool: got %+v", td)
	}
	if td := byName["removed"]; !td.Removed {
		t.Errorf("removed tool: got %+v", td)
	}
	if td := byName["added"]; !td.Added {
		t.Errorf("added tool: got %+v", td)
	}
}
