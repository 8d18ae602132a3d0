package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

type IndexConfig struct {
	Host       string
	Port       int
	UseTLS     bool
	Collection string
	TopK       int
	ScoreFloor float64
}

// SearchIndex is the qdrant-backed Retriever and the write side used
// by the corpus indexer.
type SearchIndex struct {
	cfg      IndexConfig
	client   *qdrant.Client
	embedder Embedder
	logger   *slog.Logger
}

func NewSearchIndex(cfg IndexConfig, embedder Embedder, logger *slog.Logger) (*SearchIndex, error) {
	if cfg.Collection == "" {
		cfg.Collection = "legal_passages"
	}
	if cfg.TopK < 1 {
		cfg.TopK = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}
	return &SearchIndex{
		cfg:      cfg,
		client:   client,
		embedder: embedder,
		logger:   logger.With("component", "knowledge"),
	}, nil
}

func (s *SearchIndex) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the passage collection when missing.
func (s *SearchIndex) EnsureCollection(ctx context.Context, vectorSize uint64) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	}); err != nil {
		return fmt.Errorf("create collection %s: %w", s.cfg.Collection, err)
	}
	s.logger.Info("created passage collection", "collection", s.cfg.Collection, "vector_size", vectorSize)
	return nil
}

func (s *SearchIndex) Retrieve(ctx context.Context, query string, topK int) ([]Passage, error) {
	if topK < 1 {
		topK = s.cfg.TopK
	}
	vectors, err := s.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embed query: empty vector")
	}

	limit := uint64(topK)
	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(vectors[0]...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query passages: %w", err)
	}

	passages := make([]Passage, 0, len(hits))
	for _, hit := range hits {
		passage := hitToPassage(hit)
		if passage.Content == "" {
			continue
		}
		passages = append(passages, passage)
	}
	return rankPassages(passages, topK, s.cfg.ScoreFloor), nil
}

func hitToPassage(hit *qdrant.ScoredPoint) Passage {
	payload := hit.GetPayload()
	if payload == nil {
		return Passage{}
	}
	passage := Passage{Score: hit.GetScore()}
	if value, ok := payload["passage_id"]; ok {
		passage.ID = value.GetStringValue()
	}
	if value, ok := payload["content"]; ok {
		passage.Content = value.GetStringValue()
	}
	if value, ok := payload["source"]; ok {
		passage.Source = value.GetStringValue()
	}
	if value, ok := payload["source_date_unix"]; ok {
		if unix := value.GetIntegerValue(); unix > 0 {
			passage.SourceDate = time.Unix(unix, 0).UTC()
		}
	}
	return passage
}

// UpsertPassages writes embedded passages into the collection.
func (s *SearchIndex) UpsertPassages(ctx context.Context, passages []Passage, vectors [][]float32) error {
	if len(passages) != len(vectors) {
		return fmt.Errorf("upsert passages: %d passages for %d vectors", len(passages), len(vectors))
	}
	if len(passages) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(passages))
	for i, passage := range passages {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(passage.ID),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: qdrant.NewValueMap(map[string]any{
				"passage_id":       passage.ID,
				"content":          passage.Content,
				"source":           passage.Source,
				"source_date_unix": passage.SourceDate.UTC().Unix(),
			}),
		}
	}
	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("upsert passages: %w", err)
	}
	return nil
}
