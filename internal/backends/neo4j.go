package backends

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jBackend implements Graph over the official bolt driver.
type Neo4jBackend struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *log.Logger
}

// NewNeo4jBackend connects to the given bolt URI with basic auth.
func NewNeo4jBackend(ctx context.Context, uri, user, password, database string) (*Neo4jBackend, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Neo4jBackend{
		driver:   driver,
		database: database,
		logger:   log.New(log.Writer(), "[NEO4J] ", log.LstdFlags),
	}, nil
}

// Query runs a Cypher statement and flattens each result row into a record.
// Node and relationship values are expanded into their property maps.
func (b *Neo4jBackend) Query(ctx context.Context, query string) ([]Record, error) {
	session := b.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: b.database,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, nil)
	if err != nil {
		return nil, b.classify(query, err)
	}

	var out []Record
	for result.Next(ctx) {
		rec := result.Record()
		row := make(Record, len(rec.Keys))
		for _, key := range rec.Keys {
			val, _ := rec.Get(key)
			row[key] = normalizeGraphValue(key, val, row)
		}
		out = append(out, row)
	}
	if err := result.Err(); err != nil {
		return nil, b.classify(query, err)
	}
	return out, nil
}

func (b *Neo4jBackend) Close(ctx context.Context) error {
	return b.driver.Close(ctx)
}

// classify wraps Cypher syntax and clause-ordering rejections as
// QueryShapeError. Neo4j reports these with a SyntaxError code; clause
// misuse surfaces in the message (stray WHERE placement is the common case).
func (b *Neo4jBackend) classify(query string, err error) error {
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		if strings.Contains(neoErr.Code, "SyntaxError") || strings.Contains(neoErr.Msg, "WHERE") {
			return &QueryShapeError{Backend: "neo4j", Query: query, Err: err}
		}
	}
	return fmt.Errorf("neo4j query: %w", err)
}

// normalizeGraphValue flattens driver entities into plain maps. Node
// properties are lifted under "<key>.<prop>" style keys so a record stays a
// single flat map, with the node id kept under "<key>.id".
func normalizeGraphValue(key string, val interface{}, row Record) interface{} {
	switch t := val.(type) {
	case neo4j.Node:
		for prop, pv := range t.Props {
			row[key+"."+prop] = pv
		}
		return t.ElementId
	case neo4j.Relationship:
		for prop, pv := range t.Props {
			row[key+"."+prop] = pv
		}
		return t.Type
	default:
		return val
	}
}
