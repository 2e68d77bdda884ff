// Package embedding is the client for the remote multimodal embedding
// provider. Text and images map into one shared vector space; the client
// enforces per-modality rate limits, bounded retries with exponential
// backoff, a hard per-call deadline, unit normalization, and a dimension
// assertion on every response.
package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kindredlabs/kindred/internal/metrics"
)

// Failure taxonomy. Callers branch on these with errors.Is; everything
// except ErrRejected and ErrDimensionMismatch is worth retrying later.
var (
	// ErrRejected indicates the provider permanently refused the input.
	ErrRejected = errors.New("embedding input rejected")

	// ErrTransient indicates a provider or transport fault that may clear.
	ErrTransient = errors.New("transient embedding failure")

	// ErrTimeout indicates the per-call deadline elapsed.
	ErrTimeout = errors.New("embedding call timed out")

	// ErrRateLimited indicates local limiter starvation or provider 429s
	// that survived the retry budget.
	ErrRateLimited = errors.New("embedding rate limited")

	// ErrDimensionMismatch indicates a vector of unexpected width.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidConfig indicates unusable client configuration.
	ErrInvalidConfig = errors.New("invalid embedding configuration")
)

// IsRetryable reports whether err is worth another attempt later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// Client is what the pipeline and search engine consume.
type Client interface {
	// EmbedText returns a unit vector for a text string. Empty text maps
	// to the zero vector without a provider call.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedImage returns a unit vector for JPEG image bytes.
	EmbedImage(ctx context.Context, jpegData []byte) ([]float32, error)

	// Dimension returns the configured vector width.
	Dimension() int

	// Healthy probes provider reachability.
	Healthy(ctx context.Context) error
}

// Config holds client configuration.
type Config struct {
	BaseURL         string
	APIKey          string
	Model           string
	Dimension       int
	TextRatePerSec  float64
	ImageRatePerSec float64
	CallTimeout     time.Duration
	MaxRetries      int
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if c.TextRatePerSec <= 0 || c.ImageRatePerSec <= 0 {
		return fmt.Errorf("%w: rate limits must be positive", ErrInvalidConfig)
	}
	return nil
}

// applyDefaults fills in zero-valued knobs.
func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "multimodal-embedding-v1"
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Service is the HTTP implementation of Client.
type Service struct {
	cfg          Config
	client       *http.Client
	textLimiter  *rate.Limiter
	imageLimiter *rate.Limiter
	logger       *zap.Logger
}

// NewService creates the provider client.
func NewService(cfg Config, logger *zap.Logger) (*Service, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.CallTimeout},
		// Burst equals the per-second rate so a quiet period can absorb
		// a one-second spike but no more.
		textLimiter:  rate.NewLimiter(rate.Limit(cfg.TextRatePerSec), int(math.Ceil(cfg.TextRatePerSec))),
		imageLimiter: rate.NewLimiter(rate.Limit(cfg.ImageRatePerSec), int(math.Ceil(cfg.ImageRatePerSec))),
		logger:       logger.Named("embedding"),
	}, nil
}

// Dimension returns the configured vector width.
func (s *Service) Dimension() int { return s.cfg.Dimension }

// LimiterStatus describes one modality's token bucket.
type LimiterStatus struct {
	RatePerSec      float64 `json:"rate_per_sec"`
	Burst           int     `json:"burst"`
	TokensAvailable float64 `json:"tokens_available"`
}

// RateLimitStatus reports both modality buckets for introspection.
func (s *Service) RateLimitStatus() map[string]LimiterStatus {
	return map[string]LimiterStatus{
		"text": {
			RatePerSec:      float64(s.textLimiter.Limit()),
			Burst:           s.textLimiter.Burst(),
			TokensAvailable: s.textLimiter.Tokens(),
		},
		"image": {
			RatePerSec:      float64(s.imageLimiter.Limit()),
			Burst:           s.imageLimiter.Burst(),
			TokensAvailable: s.imageLimiter.Tokens(),
		},
	}
}

// wire types for the provider API.

type embedInput struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type embedRequest struct {
	Model string       `json:"model"`
	Input []embedInput `json:"input"`
}

type embedResponse struct {
	Output struct {
		Embeddings []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"embeddings"`
	} `json:"output"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// EmbedText embeds a text string. Empty text returns the zero vector:
// an item with no description still carries a text slot in the index,
// and a zero vector can never clear a positive cosine threshold.
func (s *Service) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return make([]float32, s.cfg.Dimension), nil
	}
	start := time.Now()
	vec, err := s.embed(ctx, "text", s.textLimiter, embedInput{Text: text})
	metrics.ObserveEmbedding("text", time.Since(start), err)
	return vec, err
}

// EmbedImage embeds JPEG bytes, shipped inline as a data URL.
func (s *Service) EmbedImage(ctx context.Context, jpegData []byte) ([]float32, error) {
	if len(jpegData) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrRejected)
	}
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegData)
	start := time.Now()
	vec, err := s.embed(ctx, "image", s.imageLimiter, embedInput{Image: dataURL})
	metrics.ObserveEmbedding("image", time.Since(start), err)
	return vec, err
}

// Healthy probes the provider with a HEAD request to the base URL.
func (s *Service) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.cfg.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("creating health request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: provider status %d", ErrTransient, resp.StatusCode)
	}
	return nil
}

// embed runs the limiter, the call, and the retry loop for one input.
// The per-call deadline applies to each attempt; the caller's context
// bounds the loop as a whole.
func (s *Service) embed(ctx context.Context, modality string, limiter *rate.Limiter, input embedInput) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff with jitter: 500ms, 1s, 2s, ...
			backoff := 500 * time.Millisecond * time.Duration(1<<(attempt-1))
			backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrTimeout, lastErr)
			}
			s.logger.Debug("retrying embedding call",
				zap.String("modality", modality),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		if err := limiter.Wait(ctx); err != nil {
			// The deadline fired while queued behind the bucket.
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}

		vec, err := s.call(ctx, input)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", s.cfg.MaxRetries+1, lastErr)
}

// call performs a single provider round trip under the per-call deadline.
func (s *Service) call(ctx context.Context, input embedInput) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: s.cfg.Model, Input: []embedInput{input}})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: provider 429", ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: provider status %d: %s", ErrTransient, resp.StatusCode, truncate(respBody, 200))
	default:
		return nil, fmt.Errorf("%w: provider status %d: %s", ErrRejected, resp.StatusCode, truncate(respBody, 200))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrTransient, err)
	}
	if len(parsed.Output.Embeddings) == 0 {
		if parsed.Message != "" {
			return nil, fmt.Errorf("%w: %s: %s", ErrRejected, parsed.Code, parsed.Message)
		}
		return nil, fmt.Errorf("%w: empty embeddings in response", ErrTransient)
	}

	vec := parsed.Output.Embeddings[0].Embedding
	if len(vec) != s.cfg.Dimension {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, s.cfg.Dimension, len(vec))
	}
	return Normalize(vec), nil
}

// Normalize scales a vector to unit length. The zero vector is returned
// unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

// IsZero reports whether every component is zero.
func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
