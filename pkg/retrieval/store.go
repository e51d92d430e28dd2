// Package retrieval is the Retrieval Store (C2): persists DocumentChunk
// rows and answers hybrid lexical+vector queries scoped by tenant. The
// core only ever calls Search; Insert is the out-of-band ingestion path.
package retrieval

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/prodplan-one/copilot-core/internal/errors"
	"github.com/prodplan-one/copilot-core/pkg/types"
)

// ErrDimensionMismatch is returned when a chunk or query vector's
// length does not match the store's configured EMBEDDING_DIM
// (Invariant 5, made explicit at the Go layer rather than left to
// surface as an opaque SQL error).
var ErrDimensionMismatch = apperrors.New(apperrors.ErrorTypeBadRequest, "retrieval: embedding dimension mismatch")

// Weights tunes the hybrid ranking formula (spec §4.2).
type Weights struct {
	Lexical float64
	Vector  float64
}

// DefaultWeights returns the documented operational defaults.
func DefaultWeights() Weights { return Weights{Lexical: 0.4, Vector: 0.6} }

// Store is the Retrieval Store's public surface.
type Store interface {
	Search(ctx context.Context, tenantID, queryText string, queryEmbedding []float32, k int) ([]types.RankedChunk, error)
	Insert(ctx context.Context, chunk types.DocumentChunk) error
}

// PostgresStore is the production Store, backed by PostgreSQL with the
// pgvector extension for the vector side of the hybrid search and
// native tsvector/ts_rank_cd for the lexical side.
type PostgresStore struct {
	db            *sqlx.DB
	dim           int
	weights       Weights
	candidateSize int
	sf            singleflight.Group
}

// NewPostgresStore constructs a Store bound to dim — every Insert and
// Search call is checked against it.
func NewPostgresStore(db *sqlx.DB, dim int, weights Weights, candidateSize int) *PostgresStore {
	if candidateSize <= 0 {
		candidateSize = 4000
	}
	return &PostgresStore{db: db, dim: dim, weights: weights, candidateSize: candidateSize}
}

// Insert writes one immutable DocumentChunk row.
func (s *PostgresStore) Insert(ctx context.Context, chunk types.DocumentChunk) error {
	if len(chunk.Embedding) != s.dim {
		return ErrDimensionMismatch
	}
	const q = `
		INSERT INTO document_chunks (id, tenant_id, source, ordinal, text, embedding, tags, created_at)
		VALUES (:id, :tenant_id, :source, :ordinal, :text, :embedding, :tags, now())`
	_, err := s.db.NamedExecContext(ctx, q, chunk)
	if err != nil {
		return apperrors.NewDatabaseError("insert document_chunk", err)
	}
	return nil
}

// Search performs the hybrid lexical+vector query, tenant-scoped by
// construction: the WHERE tenant_id predicate is part of this
// function, never appended by a caller, so there is no code path that
// can omit it.
//
// Concurrent identical searches for the same (tenant, queryText, k)
// are collapsed via singleflight to avoid a cache stampede on the
// embedding/search path.
func (s *PostgresStore) Search(ctx context.Context, tenantID, queryText string, queryEmbedding []float32, k int) ([]types.RankedChunk, error) {
	if len(queryEmbedding) != s.dim {
		return nil, ErrDimensionMismatch
	}
	key := fmt.Sprintf("%s|%s|%d", tenantID, queryText, k)

	result, err, _ := s.sf.Do(key, func() (any, error) {
		return s.search(ctx, tenantID, queryText, queryEmbedding, k)
	})
	if err != nil {
		return nil, err
	}
	return result.([]types.RankedChunk), nil
}

func (s *PostgresStore) search(ctx context.Context, tenantID, queryText string, queryEmbedding []float32, k int) ([]types.RankedChunk, error) {
	const q = `
		SELECT id, tenant_id, source, ordinal, text, tags, created_at,
		       ts_rank_cd(search_vector, plainto_tsquery('english', $2)) AS lexical_score,
		       1 - (embedding <=> $3) AS vector_score
		FROM document_chunks
		WHERE tenant_id = $1
		ORDER BY (($4 * ts_rank_cd(search_vector, plainto_tsquery('english', $2)))
		        + ($5 * (1 - (embedding <=> $3)))) DESC
		LIMIT $6`

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(q),
		tenantID, queryText, pgvectorLiteral(queryEmbedding), s.weights.Lexical, s.weights.Vector, s.candidateSize)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeRetrievalDegraded, "retrieval: search query failed")
	}
	defer rows.Close()

	var out []types.RankedChunk
	for rows.Next() {
		var rc types.RankedChunk
		if err := rows.StructScan(&rc); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeRetrievalDegraded, "retrieval: scan row")
		}
		rc.Score = s.weights.Lexical*rc.LexicalScore + s.weights.Vector*rc.VectorScore
		out = append(out, rc)
		if len(out) >= k {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeRetrievalDegraded, "retrieval: iterate rows")
	}
	return out, nil
}

// pgvectorLiteral renders a []float32 as the pgvector text literal
// `[v1,v2,...]` pgx can bind as a vector parameter.
func pgvectorLiteral(v []float32) string {
	s := "["
	for i, f := range v {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%g", f)
	}
	return s + "]"
}
