// Package pgstore implements knowledge.Retriever over a PostgreSQL documents
// table with a pgvector index, for deployments that keep their documents
// local instead of in a managed knowledge base.
//
// Query text is embedded through a pluggable Embedder, then matched by
// cosine distance against pre-embedded document chunks.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/sonicbridge/internal/knowledge"
)

// defaultTopK is used when the query does not cap result count.
const defaultTopK = 5

// Embedder turns text into a vector in the same space as the indexed
// document embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is a pgvector-backed retriever. Obtain one via [Open] or [New].
// All methods are safe for concurrent use.
type Store struct {
	pool  *pgxpool.Pool
	embed Embedder
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, embed Embedder) *Store {
	return &Store{pool: pool, embed: embed}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, embed Embedder) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return New(pool, embed), nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pgstore: ping: %w", err)
	}
	return nil
}

// IndexDocument upserts a pre-chunked document passage with its embedding.
// An existing id is completely replaced.
func (s *Store) IndexDocument(ctx context.Context, id, content, source string, embedding []float32) error {
	const q = `
		INSERT INTO documents (id, content, source, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    content   = EXCLUDED.content,
		    source    = EXCLUDED.source,
		    embedding = EXCLUDED.embedding`

	if _, err := s.pool.Exec(ctx, q, id, content, source, pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("pgstore: index document: %w", err)
	}
	return nil
}

// Retrieve implements knowledge.Retriever. Hits are ordered most similar
// first; Score is cosine similarity mapped to [0, 1].
func (s *Store) Retrieve(ctx context.Context, q knowledge.Query) ([]knowledge.Hit, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	vec, err := s.embed.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("pgstore: embed query: %w", err)
	}

	const query = `
		SELECT content, source, 1 - (embedding <=> $1) AS score
		FROM   documents
		ORDER  BY embedding <=> $1
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(vec), topK)
	if err != nil {
		return nil, fmt.Errorf("pgstore: search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.Hit, error) {
		var h knowledge.Hit
		if err := row.Scan(&h.Content, &h.Source, &h.Score); err != nil {
			return knowledge.Hit{}, err
		}
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan rows: %w", err)
	}
	if hits == nil {
		hits = []knowledge.Hit{}
	}
	return hits, nil
}

// Ensure Store implements knowledge.Retriever at compile time.
var _ knowledge.Retriever = (*Store)(nil)
