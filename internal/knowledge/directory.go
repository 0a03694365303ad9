package knowledge

import (
	"fmt"
	"sort"
	"sync"
)

// Tool is one retrieval tool offered to the model: its advertised name and
// description plus the retriever that answers it.
type Tool struct {
	Name        string
	Description string
	Retriever   Retriever
}

// Directory maps tool names to configured retrieval backends. A session
// advertises Tools() at prompt start and resolves incoming toolUse names
// with Resolve. An empty directory is valid: tool calls then degrade to
// error results instead of failing the session.
//
// Safe for concurrent use.
type Directory struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a name twice or a tool without a
// retriever is an error.
func (d *Directory) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("knowledge: register tool with empty name")
	}
	if t.Retriever == nil {
		return fmt.Errorf("knowledge: register tool %q without retriever", t.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.tools[t.Name]; exists {
		return fmt.Errorf("knowledge: tool %q already registered", t.Name)
	}
	d.tools[t.Name] = t
	return nil
}

// Resolve returns the tool registered under name.
func (d *Directory) Resolve(name string) (Tool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tools[name]
	return t, ok
}

// Tools returns all registered tools sorted by name.
func (d *Directory) Tools() []Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Tool, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
