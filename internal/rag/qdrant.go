package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/kbchat-go/internal/apperr"
	"github.com/54b3r/kbchat-go/internal/logging"
)

// QdrantConfig holds connection parameters for a Qdrant instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// VectorSize is the dimensionality of the embeddings stored in every
	// knowledge base collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements KnowledgeIndex with one Qdrant collection per
// knowledge base.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this index.
	cfg *QdrantConfig
}

// NewQdrantIndex connects to Qdrant. Collections are created lazily by
// EnsureCollection.
func NewQdrantIndex(cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.VectorSize == 0 {
		return nil, fmt.Errorf("qdrant: vector size must be set")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	return &QdrantIndex{client: client, cfg: cfg}, nil
}

// Client exposes the underlying client for health checks.
func (q *QdrantIndex) Client() *qdrant.Client { return q.client }

// EnsureCollection creates the knowledge base collection if it does not exist.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, kbID int64) error {
	name := CollectionName(kbID)
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		// A concurrent ingestion may have created it between the two calls.
		if again, checkErr := q.client.CollectionExists(ctx, name); checkErr == nil && again {
			return nil
		}
		return fmt.Errorf("qdrant: failed to create collection %q: %w", name, err)
	}

	logging.FromContext(ctx).Info("qdrant: created collection",
		slog.String("collection", name),
		slog.Uint64("vector_size", q.cfg.VectorSize),
	)
	return nil
}

// Upsert writes entries in a single waited request.
func (q *QdrantIndex) Upsert(ctx context.Context, kbID int64, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(entries))
	for _, e := range entries {
		if uint64(len(e.Vector)) != q.cfg.VectorSize {
			return fmt.Errorf("qdrant: entry %s has dimension %d, collection expects %d", e.ID, len(e.Vector), q.cfg.VectorSize)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(e.ID),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: qdrant.NewValueMap(scalarMap(e.Payload.Map())),
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: CollectionName(kbID),
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	return nil
}

// DeleteByFile removes every point whose fileId payload matches fileID.
func (q *QdrantIndex) DeleteByFile(ctx context.Context, kbID, fileID int64) error {
	name := CollectionName(kbID)
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if !exists {
		return nil
	}

	_, err = q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatchInt(KeyFileID, fileID)},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete by file failed: %w", err)
	}
	return nil
}

// DeleteCollection drops the knowledge base collection.
func (q *QdrantIndex) DeleteCollection(ctx context.Context, kbID int64) error {
	name := CollectionName(kbID)
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if !exists {
		return nil
	}
	if err := q.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("qdrant: delete collection %q failed: %w", name, err)
	}
	return nil
}

// Search performs a cosine similarity search and returns the top-k results.
// A missing collection yields an empty result.
func (q *QdrantIndex) Search(ctx context.Context, kbID int64, vector []float32, k int) ([]Hit, error) {
	name := CollectionName(kbID)
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if !exists {
		logging.FromContext(ctx).Debug("qdrant: search on missing collection",
			slog.String("collection", name),
			slog.Any("error", apperr.ErrCollectionNotFound),
		)
		return []Hit{}, nil
	}

	limit := uint64(k)
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:      r.GetId().GetUuid(),
			Score:   r.GetScore(),
			Payload: payloadFromValues(r.GetPayload()),
		})
	}
	return hits, nil
}

// Close closes the underlying Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// payloadFromValues decodes a Qdrant payload into a Payload. Unknown keys
// are carried in Extra.
func payloadFromValues(values map[string]*qdrant.Value) Payload {
	var p Payload
	for k, v := range values {
		switch k {
		case KeyFileID:
			p.FileID = v.GetIntegerValue()
		case KeyKnowledgeID:
			p.KnowledgeID = v.GetIntegerValue()
		case KeyContent:
			p.Content = v.GetStringValue()
		case KeyChunkIndex:
			p.ChunkIndex = int(v.GetIntegerValue())
		case KeyOriginalContent:
			p.OriginalContent = v.GetStringValue()
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[k] = scalarValue(v)
		}
	}
	return p
}

// scalarValue unwraps a Qdrant value into a Go scalar.
func scalarValue(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	default:
		return nil
	}
}

// scalarMap normalizes payload values to the scalar kinds Qdrant accepts.
// Anything else is stringified.
func scalarMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case nil, string, bool, int64, float64:
			out[k] = t
		case int:
			out[k] = int64(t)
		case int32:
			out[k] = int64(t)
		case float32:
			out[k] = float64(t)
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}
