// Package search implements multimodal retrieval over the vector index.
// Three modes share one vector space: text queries fan out to both named
// vector slots and merge, image queries hit the image slot, and
// similar-media queries reuse the stored image vector of a library item.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kindredlabs/kindred/internal/embedding"
	"github.com/kindredlabs/kindred/internal/metrics"
	"github.com/kindredlabs/kindred/internal/vectorindex"
)

var (
	// ErrEmptyQuery indicates a blank text query.
	ErrEmptyQuery = errors.New("empty search query")

	// ErrNotIndexed indicates a similar-search anchor with no point in
	// the index yet.
	ErrNotIndexed = errors.New("media is not indexed yet")
)

// Match source labels, recorded per result so the UI can explain a hit.
const (
	MatchText  = "text_modal"
	MatchImage = "image_modal"
	MatchBoth  = "both_modals"
)

// Index is the slice of the vector index the engine needs.
type Index interface {
	Search(ctx context.Context, vectorName string, vector []float32, limit uint64, threshold float32, mediaType string) ([]vectorindex.Hit, error)
	ImageVector(ctx context.Context, g string) ([]float32, error)
}

// Config holds the operator-tuned thresholds. Client requests cannot
// override them.
type Config struct {
	TextToTextThreshold  float32
	TextToImageThreshold float32
	ImageSearchThreshold float32
	DefaultLimit         int
}

func (c *Config) applyDefaults() {
	if c.TextToTextThreshold == 0 {
		c.TextToTextThreshold = 0.8
	}
	if c.TextToImageThreshold == 0 {
		c.TextToImageThreshold = 0.2
	}
	if c.ImageSearchThreshold == 0 {
		c.ImageSearchThreshold = 0.5
	}
	if c.DefaultLimit == 0 {
		c.DefaultLimit = 20
	}
}

// Result is one scored library item.
type Result struct {
	GMID        string         `json:"gmid"`
	Score       float32        `json:"score"`
	MatchSource string         `json:"match_source"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Response is the engine's answer for any mode.
type Response struct {
	Success       bool     `json:"success"`
	Query         string   `json:"query,omitempty"`
	Results       []Result `json:"results"`
	Total         int      `json:"total"`
	TookSeconds   float64  `json:"took_seconds"`
	ThresholdUsed float32  `json:"threshold_used"`
}

// Engine runs searches.
type Engine struct {
	cfg      Config
	embedder embedding.Client
	index    Index
	logger   *zap.Logger
}

// New creates an Engine.
func New(cfg Config, embedder embedding.Client, index Index, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{cfg: cfg, embedder: embedder, index: index, logger: logger.Named("search")}
}

// clampLimit applies the default and the [1,100] bounds.
func (e *Engine) clampLimit(limit int) int {
	if limit == 0 {
		limit = e.cfg.DefaultLimit
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	return limit
}

// ByText runs Mode A: the query embeds once, then searches both named
// vector slots in parallel under their own thresholds. Items found in
// both slots keep their higher score.
func (e *Engine) ByText(ctx context.Context, query string, limit int, mediaType string) (*Response, error) {
	start := time.Now()
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	limit = e.clampLimit(limit)

	qvec, err := e.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	// Each slot gets extra headroom so the merge still has limit distinct
	// items after overlap collapses.
	perSlot := uint64(limit * 2)

	var textHits, imageHits []vectorindex.Hit
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		hits, err := e.index.Search(gctx, vectorindex.VectorText, qvec, perSlot, e.cfg.TextToTextThreshold, mediaType)
		if err != nil {
			return fmt.Errorf("text slot: %w", err)
		}
		textHits = hits
		return nil
	})
	grp.Go(func() error {
		hits, err := e.index.Search(gctx, vectorindex.VectorImage, qvec, perSlot, e.cfg.TextToImageThreshold, mediaType)
		if err != nil {
			return fmt.Errorf("image slot: %w", err)
		}
		imageHits = hits
		return nil
	})
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	results := mergeHits(textHits, imageHits)
	if len(results) > limit {
		results = results[:limit]
	}

	took := time.Since(start)
	metrics.ObserveSearch("text", took)
	e.logger.Debug("text search",
		zap.String("query", query),
		zap.Int("text_hits", len(textHits)),
		zap.Int("image_hits", len(imageHits)),
		zap.Int("merged", len(results)))

	return &Response{
		Success:       true,
		Query:         query,
		Results:       results,
		Total:         len(results),
		TookSeconds:   took.Seconds(),
		ThresholdUsed: minThreshold(e.cfg.TextToTextThreshold, e.cfg.TextToImageThreshold),
	}, nil
}

// ByImage runs Mode B: the query image (already thumbnailed by the
// caller) embeds into the shared space and searches the image slot only.
func (e *Engine) ByImage(ctx context.Context, preview []byte, limit int, mediaType string) (*Response, error) {
	start := time.Now()
	limit = e.clampLimit(limit)

	qvec, err := e.embedder.EmbedImage(ctx, preview)
	if err != nil {
		return nil, fmt.Errorf("embedding query image: %w", err)
	}

	hits, err := e.index.Search(ctx, vectorindex.VectorImage, qvec, uint64(limit), e.cfg.ImageSearchThreshold, mediaType)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{GMID: h.GMID, Score: h.Score, MatchSource: MatchImage, Payload: h.Payload}
	}

	took := time.Since(start)
	metrics.ObserveSearch("image", took)

	return &Response{
		Success:       true,
		Results:       results,
		Total:         len(results),
		TookSeconds:   took.Seconds(),
		ThresholdUsed: e.cfg.ImageSearchThreshold,
	}, nil
}

// Similar runs Mode C: the anchor item's stored image vector searches
// the image slot for K+1 and the anchor itself is stripped from the
// results.
func (e *Engine) Similar(ctx context.Context, g string, limit int, mediaType string) (*Response, error) {
	start := time.Now()
	limit = e.clampLimit(limit)

	anchor, err := e.index.ImageVector(ctx, g)
	if err != nil {
		if errors.Is(err, vectorindex.ErrPointNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotIndexed, g)
		}
		return nil, err
	}

	hits, err := e.index.Search(ctx, vectorindex.VectorImage, anchor, uint64(limit+1), e.cfg.ImageSearchThreshold, mediaType)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, limit)
	for _, h := range hits {
		if h.GMID == g {
			continue
		}
		results = append(results, Result{GMID: h.GMID, Score: h.Score, MatchSource: MatchImage, Payload: h.Payload})
		if len(results) == limit {
			break
		}
	}

	took := time.Since(start)
	metrics.ObserveSearch("similar", took)

	return &Response{
		Success:       true,
		Results:       results,
		Total:         len(results),
		TookSeconds:   took.Seconds(),
		ThresholdUsed: e.cfg.ImageSearchThreshold,
	}, nil
}

// mergeHits unions the two slots by GMID, keeping the max score, and
// sorts by score descending with GMID as a stable tiebreak.
func mergeHits(textHits, imageHits []vectorindex.Hit) []Result {
	merged := make(map[string]*Result, len(textHits)+len(imageHits))
	for _, h := range textHits {
		merged[h.GMID] = &Result{GMID: h.GMID, Score: h.Score, MatchSource: MatchText, Payload: h.Payload}
	}
	for _, h := range imageHits {
		if existing, ok := merged[h.GMID]; ok {
			existing.MatchSource = MatchBoth
			if h.Score > existing.Score {
				existing.Score = h.Score
			}
			continue
		}
		merged[h.GMID] = &Result{GMID: h.GMID, Score: h.Score, MatchSource: MatchImage, Payload: h.Payload}
	}

	results := make([]Result, 0, len(merged))
	for _, r := range merged {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].GMID < results[j].GMID
	})
	return results
}

func minThreshold(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
