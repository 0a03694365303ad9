package config

// ConfigDiff describes what changed between two configs.
// Only fields that take effect without a restart are tracked; everything
// else (listen address, TLS, model region) requires a process restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SystemPromptChanged means sessions opened after the reload get the new
	// opening instruction.
	SystemPromptChanged bool

	// ToolsChanged is true if any knowledge tool was added, removed, or
	// modified; ToolChanges holds the per-tool detail.
	ToolsChanged bool
	ToolChanges  []ToolDiff
}

// ToolDiff describes what changed for a single knowledge tool between two
// configs.
type ToolDiff struct {
	Name     string
	Added    bool
	Removed  bool
	Modified bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.SystemPrompt != new.Session.SystemPrompt {
		d.SystemPromptChanged = true
	}

	oldTools := make(map[string]KnowledgeToolConfig, len(old.Knowledge.Tools))
	for _, t := range old.Knowledge.Tools {
		oldTools[t.Name] = t
	}
	newTools := make(map[string]KnowledgeToolConfig, len(new.Knowledge.Tools))
	for _, t := range new.Knowledge.Tools {
		newTools[t.Name] = t
	}

	for name, oldTool := range oldTools {
		newTool, exists := newTools[name]
		if !exists {
			d.ToolChanges = append(d.ToolChanges, ToolDiff{Name: name, Removed: true})
			d.ToolsChanged = true
			continue
		}
		if oldTool != newTool {
			d.ToolChanges = append(d.ToolChanges, ToolDiff{Name: name, Modified: true})
			d.ToolsChanged = true
		}
	}
	for name := range newTools {
		if _, exists := oldTools[name]; !exists {
			d.ToolChanges = append(d.ToolChanges, ToolDiff{Name: name, Added: true})
			d.ToolsChanged = true
		}
	}

	return d
}
