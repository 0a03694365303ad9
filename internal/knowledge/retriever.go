// Package knowledge defines the retrieval interface the tool runner queries
// when the model requests a lookup, plus the directory that maps tool names
// to configured retrieval backends.
package knowledge

import "context"

// Query is one retrieval request.
type Query struct {
	// Text is the natural-language query.
	Text string

	// SessionID correlates the query with the caller's session. Backends
	// that keep per-session retrieval state may use it; others ignore it.
	SessionID string

	// TopK caps the number of hits returned. Zero lets the backend choose.
	TopK int
}

// Hit is one scored retrieval result.
type Hit struct {
	// Content is the retrieved passage text.
	Content string

	// Score is the backend's relevance score in [0, 1], higher is better.
	Score float64

	// Source identifies where the passage came from (document URI, chunk
	// id), empty when the backend has none.
	Source string
}

// Retriever answers retrieval queries against one knowledge store.
// Implementations must be safe for concurrent use and honour ctx deadlines.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) ([]Hit, error)
}
