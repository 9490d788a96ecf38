package generation

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

// Client invokes the generation model over HTTP and hands back the raw
// decoded response object. Normalizing the answer out of that object is
// the extractor's job, which keeps this client agnostic to the backend.
type Client struct {
	endpoint   string
	model      string
	apiKey     string
	maxRetries int
	client     *http.Client
	logger     *logrus.Logger
}

type Config struct {
	Endpoint   string
	Model      string
	APIKeyEnv  string
	Timeout    time.Duration
	MaxRetries int
}

func NewClient(cfg Config, logger *logrus.Logger) *Client {
	t := cfg.Timeout
	if t == 0 {
		t = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		apiKey:     os.Getenv(cfg.APIKeyEnv),
		maxRetries: cfg.MaxRetries,
		client:     &http.Client{Timeout: t},
		logger:     logger,
	}
}

func (c *Client) Generate(ctx context.Context, prompt string) (map[string]any, error) {
	body, _ := json.Marshal(map[string]any{
		"model":  c.model,
		"prompt": prompt,
	})
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &domain.GenerationError{Err: ctx.Err()}
			case <-time.After(retryDelay(attempt - 1)):
			}
			c.logger.WithField("attempt", attempt+1).Warn("Retrying generation call")
		}
		resp, retryable, err := c.post(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, &domain.GenerationError{Err: lastErr}
}

func (c *Client) post(ctx context.Context, body []byte) (map[string]any, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("generation request failed: %s", resp.Status)
	}
	if resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("generation request failed: %s", resp.Status)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, false, fmt.Errorf("decode generation response: %w", err)
	}
	return decoded, false, nil
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := 200 * time.Millisecond
	d := base << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

var _ domain.Generator = (*Client)(nil)
