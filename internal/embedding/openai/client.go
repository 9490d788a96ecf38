package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"ragpipe/internal/domain"
)

// Client is an OpenAI-compatible embeddings client. Batches are retried
// as a unit with exponential backoff; a batch either yields one vector
// per input, in order, or the whole call fails with EmbeddingError.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	batchSize  int
	maxRetries int
	client     *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

// Config configures the embeddings client. Dimensions must match the
// vector size of the target index. RatePerSec of zero disables pacing.
type Config struct {
	BaseURL    string
	APIKeyEnv  string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	RatePerSec float64
	MaxRetries int
}

func NewClient(cfg Config, logger *logrus.Logger) (*Client, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if cfg.APIKeyEnv != "" && key == "" {
		return nil, &domain.ConfigError{Field: "embedder.api_key_env", Reason: "no API key in env " + cfg.APIKeyEnv}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions <= 0 {
		return nil, &domain.ConfigError{Field: "embedder.dimensions", Reason: "must be positive"}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	t := cfg.Timeout
	if t == 0 {
		t = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     key,
		model:      cfg.Model,
		dimension:  cfg.Dimensions,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		client:     &http.Client{Timeout: t},
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// Name returns the identifier of this embedder implementation.
func (c *Client) Name() string { return "openai" }

// Dimension returns the dimensionality of the produced vectors.
func (c *Client) Dimension() int { return c.dimension }

// Embed returns the embedding vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in configured-size sub-batches, preserving
// input order across the whole call.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float64, 0, len(texts))
	for i := 0; i < len(texts); i += c.batchSize {
		end := i + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedOnce(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedOnce(ctx context.Context, texts []string) ([][]float64, error) {
	url := c.baseURL + "/embeddings"
	body, _ := json.Marshal(map[string]any{
		"input": texts,
		"model": c.model,
	})
	var lastErr error
	var serverWait time.Duration
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &domain.EmbeddingError{Err: ctx.Err()}
			case <-time.After(nextDelay(attempt-1, serverWait)):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &domain.EmbeddingError{Err: err}
		}
		vecs, retryAfter, retryable, err := c.post(ctx, url, body, len(texts))
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		serverWait = retryAfter
		if !retryable {
			break
		}
		c.logger.WithError(err).WithField("attempt", attempt+1).Warn("Embedding batch failed, retrying")
	}
	return nil, &domain.EmbeddingError{Err: lastErr}
}

// post issues one embeddings request. On a retryable status it reports
// any Retry-After duration back to the caller instead of sleeping, so
// the retry loop owns all waiting.
func (c *Client) post(ctx context.Context, url string, body []byte, want int) ([][]float64, time.Duration, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, retryAfter, true, fmt.Errorf("embeddings request failed: %s", resp.Status)
	}
	if resp.StatusCode >= 300 {
		return nil, 0, false, fmt.Errorf("embeddings request failed: %s", resp.Status)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, true, err
	}
	var decoded struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, 0, true, err
	}
	if len(decoded.Data) != want {
		// Never silently drop an input: either every index maps to a
		// vector or the whole batch fails.
		return nil, 0, false, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(decoded.Data), want)
	}
	vecs := make([][]float64, want)
	for i, d := range decoded.Data {
		idx := d.Index
		if idx < 0 || idx >= want {
			idx = i
		}
		if len(d.Embedding) != c.dimension {
			return nil, 0, false, fmt.Errorf("embedding has %d dims, index expects %d", len(d.Embedding), c.dimension)
		}
		vecs[idx] = d.Embedding
	}
	return vecs, 0, false, nil
}

// nextDelay picks the wait before a retry. A server-directed
// Retry-After replaces the exponential backoff; the two never stack.
func nextDelay(attempt int, serverWait time.Duration) time.Duration {
	if serverWait > 0 {
		return serverWait
	}
	return retryDelay(attempt)
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := 200 * time.Millisecond
	// exponential backoff capped at 5s
	d := base << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
