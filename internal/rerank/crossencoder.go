package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"ragpipe/internal/domain"
)

// CrossEncoder scores (query, text) pairs against a cross-encoder
// rerank service. Pairs are sent in batches; scores come back in input
// order on a scale specific to the model behind the endpoint.
type CrossEncoder struct {
	endpoint  string
	model     string
	apiKey    string
	batchSize int
	client    *http.Client
	logger    *logrus.Logger
}

type Config struct {
	Endpoint  string
	Model     string
	APIKeyEnv string
	BatchSize int
	Timeout   time.Duration
}

func NewCrossEncoder(cfg Config, logger *logrus.Logger) *CrossEncoder {
	if cfg.Model == "" {
		cfg.Model = "cross-encoder/ms-marco-MiniLM-L-6-v2"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	t := cfg.Timeout
	if t == 0 {
		t = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CrossEncoder{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		apiKey:    os.Getenv(cfg.APIKeyEnv),
		batchSize: cfg.BatchSize,
		client:    &http.Client{Timeout: t},
		logger:    logger,
	}
}

func (r *CrossEncoder) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	pairs := make([][2]string, len(texts))
	for i, text := range texts {
		pairs[i] = [2]string{query, text}
	}
	scores := make([]float64, 0, len(texts))
	for i := 0; i < len(pairs); i += r.batchSize {
		end := i + r.batchSize
		if end > len(pairs) {
			end = len(pairs)
		}
		batch, err := r.scoreBatch(ctx, pairs[i:end])
		if err != nil {
			return nil, err
		}
		scores = append(scores, batch...)
	}
	return scores, nil
}

func (r *CrossEncoder) scoreBatch(ctx context.Context, pairs [][2]string) ([]float64, error) {
	body, err := json.Marshal(map[string]any{
		"model": r.model,
		"pairs": pairs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, string(payload))
	}
	var result struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	if len(result.Scores) != len(pairs) {
		return nil, fmt.Errorf("reranker returned %d scores for %d pairs", len(result.Scores), len(pairs))
	}
	return result.Scores, nil
}

var _ domain.Reranker = (*CrossEncoder)(nil)
