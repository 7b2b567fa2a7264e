package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateBackend implements Similarity over the Weaviate GraphQL API.
type WeaviateBackend struct {
	client *weaviate.Client
	logger *log.Logger
}

// NewWeaviateBackend connects to a Weaviate instance.
func NewWeaviateBackend(scheme, host, apiKey string) (*WeaviateBackend, error) {
	cfg := weaviate.Config{Scheme: scheme, Host: host}
	if apiKey != "" {
		cfg.AuthConfig = auth.ApiKey{Value: apiKey}
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	return &WeaviateBackend{
		client: client,
		logger: log.New(log.Writer(), "[WEAVIATE] ", log.LstdFlags),
	}, nil
}

// Search runs a nearText query against the requested collection and returns
// ranked hits. An empty hit list with a nil error is a valid outcome.
func (w *WeaviateBackend) Search(ctx context.Context, req SimilarityRequest) ([]Hit, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("similarity search text cannot be empty")
	}
	className := collectionToClass(req.Collection)
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	nearText := w.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{req.Text})

	query := w.client.GraphQL().Get().
		WithClassName(className).
		WithFields(
			graphql.Field{Name: "content"},
			graphql.Field{Name: "sourceId"},
			graphql.Field{Name: "sourceTable"},
			graphql.Field{Name: "_additional { id certainty distance }"},
		).
		WithNearText(nearText).
		WithLimit(limit)

	if len(req.Filter) > 0 {
		var operands []*filters.WhereBuilder
		for path, value := range req.Filter {
			operands = append(operands, filters.Where().
				WithPath([]string{path}).
				WithOperator(filters.Equal).
				WithValueString(value))
		}
		where := operands[0]
		if len(operands) > 1 {
			where = filters.Where().WithOperator(filters.And).WithOperands(operands)
		}
		query = query.WithWhere(where)
	}

	resp, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search: %s", resp.Errors[0].Message)
	}
	return parseHits(resp, className)
}

// EnsureCollection creates the class used for mirrored row documents if it
// does not exist yet.
func (w *WeaviateBackend) EnsureCollection(ctx context.Context, collection string) error {
	className := collectionToClass(collection)
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
	if err != nil {
		return fmt.Errorf("class check: %w", err)
	}
	if exists {
		return nil
	}
	class := &models.Class{
		Class: className,
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}},
			{Name: "sourceId", DataType: []string{"text"}},
			{Name: "sourceTable", DataType: []string{"text"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("class create: %w", err)
	}
	return nil
}

// InsertDocument mirrors one structured row into a collection as a text
// document, keyed back to its source row for later hydration.
func (w *WeaviateBackend) InsertDocument(ctx context.Context, collection, sourceID, sourceTable, content string) error {
	_, err := w.client.Data().Creator().
		WithClassName(collectionToClass(collection)).
		WithProperties(map[string]interface{}{
			"content":     content,
			"sourceId":    sourceID,
			"sourceTable": sourceTable,
		}).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate insert: %w", err)
	}
	return nil
}

func parseHits(resp *models.GraphQLResponse, className string) ([]Hit, error) {
	data, ok := resp.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	objects, ok := data[className].([]interface{})
	if !ok {
		return nil, nil
	}
	hits := make([]Hit, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		hit := Hit{
			Document: getString(m, "content"),
			Metadata: map[string]interface{}{
				"source_id":    getString(m, "sourceId"),
				"source_table": getString(m, "sourceTable"),
			},
		}
		if sid := getString(m, "sourceId"); sid != "" {
			hit.ID = sid
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if hit.ID == "" {
				hit.ID = getString(additional, "id")
			}
			if d, ok := additional["distance"].(float64); ok {
				hit.Distance = d
			} else if d, ok := additional["distance"].(json.Number); ok {
				if f, err := d.Float64(); err == nil {
					hit.Distance = f
				}
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// collectionToClass maps a snake_case collection name (the ingestion
// convention is "<table>_vectors") onto a Weaviate class name.
func collectionToClass(collection string) string {
	parts := strings.Split(strings.TrimSpace(collection), "_")
	var sb strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		sb.WriteString(strings.ToUpper(p[:1]))
		sb.WriteString(p[1:])
	}
	if sb.Len() == 0 {
		return "Documents"
	}
	return sb.String()
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
