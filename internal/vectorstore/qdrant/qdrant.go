package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ragpipe/internal/domain"
)

// Store is a minimal REST client to Qdrant. It assumes cosine distance
// and creates the collection on Init if missing. Callers depend only on
// the domain.VectorStore contract, never on the wire protocol.
type Store struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

func NewStore(cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Store{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
	}
}

func (s *Store) Init(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return &domain.IndexError{Op: "init", Err: errors.New("invalid dimension")}
	}
	s.dimension = dimension
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	// Qdrant returns 200 OK if the collection already exists with the
	// same schema; anything else propagates.
	if err := s.doJSON(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s", s.url, s.collection), body, nil); err != nil {
		return &domain.IndexError{Op: "init", Err: err}
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float64) error {
	if len(chunks) != len(vectors) {
		return &domain.IndexError{Op: "upsert", Err: errors.New("chunks and vectors length mismatch")}
	}
	points := make([]map[string]any, len(chunks))
	for i := range chunks {
		points[i] = map[string]any{
			"id":     chunks[i].ID,
			"vector": vectors[i],
			"payload": map[string]any{
				"document_id": chunks[i].DocumentID,
				"chunk_id":    chunks[i].ID,
				"sequence":    chunks[i].Sequence,
				"text":        chunks[i].Text,
				"token_count": chunks[i].TokenCount,
			},
		}
	}
	body := map[string]any{"points": points}
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", s.url, s.collection)
	if err := s.doJSON(ctx, http.MethodPut, url, body, nil); err != nil {
		return &domain.IndexError{Op: "upsert", Err: err}
	}
	return nil
}

func (s *Store) Query(ctx context.Context, vector []float64, topK int) ([]domain.RetrievalResult, error) {
	if topK <= 0 {
		topK = 5
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/search", s.url, s.collection)
	if err := s.doJSON(ctx, http.MethodPost, url, req, &resp); err != nil {
		return nil, &domain.IndexError{Op: "query", Err: err}
	}
	results := make([]domain.RetrievalResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		res := domain.RetrievalResult{Score: r.Score}
		if v, ok := r.Payload["chunk_id"].(string); ok {
			res.ChunkID = v
		}
		if v, ok := r.Payload["document_id"].(string); ok {
			res.DocumentID = v
		}
		if v, ok := r.Payload["sequence"].(float64); ok {
			res.Sequence = int(v)
		}
		if v, ok := r.Payload["text"].(string); ok {
			res.Text = v
		}
		results = append(results, res)
	}
	return results, nil
}

// DeleteByDocument drops every point whose payload belongs to the given
// document. Used when a source file's content changes.
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "document_id", "match": map[string]any{"value": documentID}},
			},
		},
	}
	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", s.url, s.collection)
	if err := s.doJSON(ctx, http.MethodPost, url, body, nil); err != nil {
		return &domain.IndexError{Op: "delete", Err: err}
	}
	return nil
}

func (s *Store) doJSON(ctx context.Context, method, url string, body any, out any) error {
	data, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant %s %s failed: %s", method, url, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
