package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/sonicbridge/internal/knowledge"
)

// ErrBackendNotRegistered is returned by [Registry.CreateRetriever] when no
// factory has been registered for the requested backend.
var ErrBackendNotRegistered = errors.New("config: knowledge backend not registered")

// RetrieverFactory builds a retriever from one tool's configuration.
type RetrieverFactory func(KnowledgeToolConfig) (knowledge.Retriever, error)

// Registry maps knowledge backend names to retriever factories. It is safe
// for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	retrievers map[Backend]RetrieverFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{retrievers: make(map[Backend]RetrieverFactory)}
}

// RegisterRetriever registers a retriever factory for backend. Subsequent
// calls with the same backend overwrite the previous registration.
func (r *Registry) RegisterRetriever(backend Backend, factory RetrieverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retrievers[backend] = factory
}

// CreateRetriever builds the retriever for one configured tool.
func (r *Registry) CreateRetriever(tool KnowledgeToolConfig) (knowledge.Retriever, error) {
	r.mu.RLock()
	factory, ok := r.retrievers[tool.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, tool.Backend)
	}
	return factory(tool)
}

// BuildDirectory assembles the knowledge directory from the configured tool
// list. A tool whose retriever cannot be built is skipped with a warning:
// sessions still run and calls to the broken tool degrade to error results.
func (r *Registry) BuildDirectory(tools []KnowledgeToolConfig, log *slog.Logger) *knowledge.Directory {
	if log == nil {
		log = slog.Default()
	}

	dir := knowledge.NewDirectory()
	for _, tool := range tools {
		ret, err := r.CreateRetriever(tool)
		if err != nil {
			log.Warn("knowledge tool unavailable", "tool", tool.Name, "backend", tool.Backend, "err", err)
			continue
		}
		if err := dir.Register(knowledge.Tool{Name: tool.Name, Description: tool.Description, Retriever: ret}); err != nil {
			log.Warn("knowledge tool rejected", "tool", tool.Name, "err", err)
		}
	}
	return dir
}
