// Package backends holds the concrete data-store clients the tool gateway
// drives: Postgres for structured queries, Neo4j for graph queries and
// Weaviate for similarity search, plus the shared error taxonomy that the
// gateway uses to decide whether a failed query is worth repairing.
package backends

import (
	"context"
	"errors"
	"fmt"
)

// Record is one row/node/hit returned by any backend. The shape is open and
// heterogeneous per backend; consumers only rely on key enumeration and
// identifier extraction.
type Record = map[string]interface{}

// Structured executes queries against the relational store.
type Structured interface {
	Query(ctx context.Context, query string) ([]Record, error)
	// LookupByIDs hydrates lightweight hits into full records.
	LookupByIDs(ctx context.Context, table string, ids []string) ([]Record, error)
	Close() error
}

// Graph executes queries against the graph store.
type Graph interface {
	Query(ctx context.Context, query string) ([]Record, error)
	Close(ctx context.Context) error
}

// Hit is one ranked similarity-search result.
type Hit struct {
	ID       string                 `json:"id"`
	Document string                 `json:"document"`
	Metadata map[string]interface{} `json:"metadata"`
	Distance float64                `json:"distance"`
}

// SimilarityRequest describes one similarity search. Empty-but-successful
// results are a valid outcome, distinct from an error.
type SimilarityRequest struct {
	Text       string
	Collection string
	Filter     map[string]string
	Limit      int
}

// Similarity executes ranked nearest-neighbour searches.
type Similarity interface {
	Search(ctx context.Context, req SimilarityRequest) ([]Hit, error)
}

// QueryShapeError marks a failure where the backend rejected the query
// syntax or shape. These are the only failures the gateway will attempt to
// repair; everything else propagates immediately.
type QueryShapeError struct {
	Backend string
	Query   string
	Err     error
}

func (e *QueryShapeError) Error() string {
	return fmt.Sprintf("%s rejected query: %v", e.Backend, e.Err)
}

func (e *QueryShapeError) Unwrap() error { return e.Err }

// IsQueryShape reports whether err is (or wraps) a query-shape rejection.
func IsQueryShape(err error) bool {
	var qe *QueryShapeError
	return errors.As(err, &qe)
}
