// Package mock provides a test double for the knowledge.Retriever interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sonicbridge/internal/knowledge"
)

// RetrieveCall records a single invocation of Retriever.Retrieve.
type RetrieveCall struct {
	// Ctx is the context passed to Retrieve.
	Ctx context.Context
	// Query is the query passed to Retrieve.
	Query knowledge.Query
}

// Retriever is a mock implementation of knowledge.Retriever.
type Retriever struct {
	mu sync.Mutex

	// Hits is returned by every Retrieve call.
	Hits []knowledge.Hit

	// Err, if non-nil, is returned as the error from Retrieve.
	Err error

	// Delay, if set, is waited (or ctx expiry, whichever is first) before
	// returning. Lets tests exercise deadline handling.
	Delay func(ctx context.Context) error

	// RetrieveCalls records every call in order.
	RetrieveCalls []RetrieveCall
}

// Retrieve records the call and returns Hits, Err.
func (r *Retriever) Retrieve(ctx context.Context, q knowledge.Query) ([]knowledge.Hit, error) {
	r.mu.Lock()
	r.RetrieveCalls = append(r.RetrieveCalls, RetrieveCall{Ctx: ctx, Query: q})
	delay := r.Delay
	hits, err := r.Hits, r.Err
	r.mu.Unlock()

	if delay != nil {
		if derr := delay(ctx); derr != nil {
			return nil, derr
		}
	}
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// Calls returns a snapshot of recorded calls. Thread-safe.
func (r *Retriever) Calls() []RetrieveCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RetrieveCall, len(r.RetrieveCalls))
	copy(out, r.RetrieveCalls)
	return out
}

// Ensure Retriever implements knowledge.Retriever at compile time.
var _ knowledge.Retriever = (*Retriever)(nil)
