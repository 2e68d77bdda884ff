package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDim = 8

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:         baseURL,
		APIKey:          "test-key",
		Model:           "multimodal-embedding-v1",
		Dimension:       testDim,
		TextRatePerSec:  1000,
		ImageRatePerSec: 1000,
		CallTimeout:     2 * time.Second,
		MaxRetries:      3,
	}
}

// providerResponse builds the wire shape for a single embedding.
func providerResponse(vec []float32) []byte {
	body := map[string]any{
		"output": map[string]any{
			"embeddings": []map[string]any{{"embedding": vec}},
		},
	}
	b, _ := json.Marshal(body)
	return b
}

func constantVector(dim int, v float32) []float32 {
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = v
	}
	return vec
}

func TestEmbedText(t *testing.T) {
	var gotReq embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write(providerResponse(constantVector(testDim, 2)))
	}))
	defer srv.Close()

	svc, err := NewService(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	vec, err := svc.EmbedText(context.Background(), "kids at the lake")
	require.NoError(t, err)
	require.Len(t, vec, testDim)

	require.Len(t, gotReq.Input, 1)
	assert.Equal(t, "kids at the lake", gotReq.Input[0].Text)
	assert.Empty(t, gotReq.Input[0].Image)

	// Unit length.
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestEmbedTextEmpty(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(providerResponse(constantVector(testDim, 1)))
	}))
	defer srv.Close()

	svc, err := NewService(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	vec, err := svc.EmbedText(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, IsZero(vec))
	assert.Len(t, vec, testDim)
	assert.Zero(t, calls.Load(), "empty text must not hit the provider")
}

func TestEmbedImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 1)
		assert.Contains(t, req.Input[0].Image, "data:image/jpeg;base64,")
		w.Write(providerResponse(constantVector(testDim, 3)))
	}))
	defer srv.Close()

	svc, err := NewService(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	vec, err := svc.EmbedImage(context.Background(), []byte("fake jpeg bytes"))
	require.NoError(t, err)
	assert.Len(t, vec, testDim)

	_, err = svc.EmbedImage(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(providerResponse(constantVector(testDim, 1)))
	}))
	defer srv.Close()

	svc, err := NewService(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	vec, err := svc.EmbedText(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Len(t, vec, testDim)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 2
	svc, err := NewService(cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.EmbedText(context.Background(), "always fails")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load(), "initial call plus two retries")
}

func TestRejectedNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"InvalidParameter","message":"image too large"}`))
	}))
	defer srv.Close()

	svc, err := NewService(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	_, err = svc.EmbedText(context.Background(), "rejected")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestRateLimited429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 1
	svc, err := NewService(cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.EmbedText(context.Background(), "throttled")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, IsRetryable(err))
}

func TestDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(providerResponse(constantVector(testDim+1, 1)))
	}))
	defer srv.Close()

	svc, err := NewService(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	_, err = svc.EmbedText(context.Background(), "wrong width")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.False(t, IsRetryable(err))
}

func TestCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write(providerResponse(constantVector(testDim, 1)))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.CallTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 1
	svc, err := NewService(cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.EmbedText(context.Background(), "slow provider")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLocalLimiterPacing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(providerResponse(constantVector(testDim, 1)))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.TextRatePerSec = 5
	svc, err := NewService(cfg, zap.NewNop())
	require.NoError(t, err)

	// Drain the burst, then two more calls must take >= ~2 intervals.
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := svc.EmbedText(ctx, "burst")
		require.NoError(t, err)
	}
	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := svc.EmbedText(ctx, "paced")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond,
		"calls beyond the burst must be paced at the configured rate")
}

func TestRateLimitStatus(t *testing.T) {
	svc, err := NewService(testConfig("http://localhost:1"), zap.NewNop())
	require.NoError(t, err)

	status := svc.RateLimitStatus()
	require.Contains(t, status, "text")
	require.Contains(t, status, "image")
	assert.Equal(t, float64(1000), status["text"].RatePerSec)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
	}{
		{name: "already unit", in: []float32{1, 0, 0}},
		{name: "scaled", in: []float32{3, 4, 0}},
		{name: "negative components", in: []float32{-2, 2, -2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Normalize(tt.in)
			var sum float64
			for _, v := range out {
				sum += float64(v) * float64(v)
			}
			assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)
		})
	}

	zero := []float32{0, 0, 0}
	assert.Equal(t, zero, Normalize(zero), "zero vector stays zero")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantError bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing url", mutate: func(c *Config) { c.BaseURL = "" }, wantError: true},
		{name: "zero dimension", mutate: func(c *Config) { c.Dimension = 0 }, wantError: true},
		{name: "bad rate", mutate: func(c *Config) { c.ImageRatePerSec = -1 }, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://localhost:1")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantError {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
