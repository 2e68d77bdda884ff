package search

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kindredlabs/kindred/internal/vectorindex"
)

const testDim = 4

// fakeEmbedder returns fixed vectors and records calls.
type fakeEmbedder struct {
	textCalls  int
	imageCalls int
	err        error
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	f.textCalls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedImage(ctx context.Context, jpegData []byte) ([]float32, error) {
	f.imageCalls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0, 1, 0, 0}, nil
}

func (f *fakeEmbedder) Dimension() int                    { return testDim }
func (f *fakeEmbedder) Healthy(ctx context.Context) error { return nil }

// fakeIndex replays scripted hits per vector slot and captures the
// parameters of each search.
type fakeIndex struct {
	hitsBySlot map[string][]vectorindex.Hit
	vectors    map[string][]float32
	searches   []searchCall
}

type searchCall struct {
	slot      string
	limit     uint64
	threshold float32
	mediaType string
}

func (f *fakeIndex) Search(ctx context.Context, vectorName string, vector []float32, limit uint64, threshold float32, mediaType string) ([]vectorindex.Hit, error) {
	f.searches = append(f.searches, searchCall{slot: vectorName, limit: limit, threshold: threshold, mediaType: mediaType})
	hits := f.hitsBySlot[vectorName]
	// Qdrant cuts below-threshold scores server side; mimic that.
	out := make([]vectorindex.Hit, 0, len(hits))
	for _, h := range hits {
		if h.Score >= threshold {
			out = append(out, h)
		}
	}
	if uint64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeIndex) ImageVector(ctx context.Context, g string) ([]float32, error) {
	vec, ok := f.vectors[g]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vectorindex.ErrPointNotFound, g)
	}
	return vec, nil
}

func gmidN(n int) string { return fmt.Sprintf("%032x", n) }

func hit(n int, score float32) vectorindex.Hit {
	return vectorindex.Hit{GMID: gmidN(n), Score: score, Payload: map[string]any{"media_type": "photo"}}
}

func newEngine(idx *fakeIndex, emb *fakeEmbedder) *Engine {
	return New(Config{}, emb, idx, zap.NewNop())
}

func TestByTextMergesBothSlots(t *testing.T) {
	idx := &fakeIndex{hitsBySlot: map[string][]vectorindex.Hit{
		vectorindex.VectorText: {hit(1, 0.95), hit(2, 0.85)},
		// gmid 2 also matches via image with a higher score; gmid 3 is
		// image-only.
		vectorindex.VectorImage: {hit(2, 0.90), hit(3, 0.30)},
	}}
	emb := &fakeEmbedder{}
	e := newEngine(idx, emb)

	resp, err := e.ByText(context.Background(), "sunset at the lake", 10, "")
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Len(t, resp.Results, 3)

	assert.Equal(t, 1, emb.textCalls, "query embeds exactly once")

	// Sorted by score descending.
	assert.Equal(t, gmidN(1), resp.Results[0].GMID)
	assert.Equal(t, MatchText, resp.Results[0].MatchSource)

	// Overlap keeps the max of the two scores and is labeled both.
	assert.Equal(t, gmidN(2), resp.Results[1].GMID)
	assert.Equal(t, float32(0.90), resp.Results[1].Score)
	assert.Equal(t, MatchBoth, resp.Results[1].MatchSource)

	assert.Equal(t, gmidN(3), resp.Results[2].GMID)
	assert.Equal(t, MatchImage, resp.Results[2].MatchSource)

	// Per-slot thresholds applied.
	require.Len(t, idx.searches, 2)
	thresholds := map[string]float32{}
	for _, s := range idx.searches {
		thresholds[s.slot] = s.threshold
		assert.Equal(t, uint64(20), s.limit, "each slot fetches 2x limit headroom")
	}
	assert.Equal(t, float32(0.8), thresholds[vectorindex.VectorText])
	assert.Equal(t, float32(0.2), thresholds[vectorindex.VectorImage])

	// Reported threshold is the effective floor across slots.
	assert.Equal(t, float32(0.2), resp.ThresholdUsed)
}

func TestByTextEmptyQuery(t *testing.T) {
	e := newEngine(&fakeIndex{}, &fakeEmbedder{})

	_, err := e.ByText(context.Background(), "   ", 10, "")
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestByTextLimitClamping(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		wantLimit int
	}{
		{name: "default", limit: 0, wantLimit: 20},
		{name: "negative clamps to 1", limit: -5, wantLimit: 1},
		{name: "above cap clamps to 100", limit: 500, wantLimit: 100},
		{name: "in range", limit: 7, wantLimit: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := &fakeIndex{hitsBySlot: map[string][]vectorindex.Hit{}}
			e := newEngine(idx, &fakeEmbedder{})

			_, err := e.ByText(context.Background(), "q", tt.limit, "")
			require.NoError(t, err)
			require.NotEmpty(t, idx.searches)
			assert.Equal(t, uint64(tt.wantLimit*2), idx.searches[0].limit)
		})
	}
}

func TestByTextTruncatesToLimit(t *testing.T) {
	var textHits []vectorindex.Hit
	for i := 0; i < 30; i++ {
		textHits = append(textHits, hit(i, 0.99-float32(i)*0.001))
	}
	idx := &fakeIndex{hitsBySlot: map[string][]vectorindex.Hit{
		vectorindex.VectorText: textHits,
	}}
	e := newEngine(idx, &fakeEmbedder{})

	resp, err := e.ByText(context.Background(), "crowded", 5, "")
	require.NoError(t, err)
	assert.Len(t, resp.Results, 5)
	assert.Equal(t, 5, resp.Total)
}

func TestByTextMediaTypeFilter(t *testing.T) {
	idx := &fakeIndex{hitsBySlot: map[string][]vectorindex.Hit{}}
	e := newEngine(idx, &fakeEmbedder{})

	_, err := e.ByText(context.Background(), "q", 10, "video")
	require.NoError(t, err)
	for _, s := range idx.searches {
		assert.Equal(t, "video", s.mediaType)
	}
}

func TestByImage(t *testing.T) {
	idx := &fakeIndex{hitsBySlot: map[string][]vectorindex.Hit{
		vectorindex.VectorImage: {hit(1, 0.9), hit(2, 0.6), hit(3, 0.4)},
	}}
	emb := &fakeEmbedder{}
	e := newEngine(idx, emb)

	resp, err := e.ByImage(context.Background(), []byte("jpeg"), 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, emb.imageCalls)

	// 0.4 falls below the 0.5 image threshold.
	require.Len(t, resp.Results, 2)
	assert.Equal(t, float32(0.5), resp.ThresholdUsed)
	for _, r := range resp.Results {
		assert.Equal(t, MatchImage, r.MatchSource)
	}

	require.Len(t, idx.searches, 1)
	assert.Equal(t, vectorindex.VectorImage, idx.searches[0].slot, "text slot never searched in image mode")
}

func TestSimilarStripsAnchor(t *testing.T) {
	anchor := gmidN(1)
	idx := &fakeIndex{
		vectors: map[string][]float32{anchor: {0, 1, 0, 0}},
		hitsBySlot: map[string][]vectorindex.Hit{
			vectorindex.VectorImage: {hit(1, 1.0), hit(2, 0.8), hit(3, 0.7)},
		},
	}
	emb := &fakeEmbedder{}
	e := newEngine(idx, emb)

	resp, err := e.Similar(context.Background(), anchor, 2, "")
	require.NoError(t, err)

	assert.Zero(t, emb.imageCalls, "similar mode reuses the stored vector")
	require.Len(t, resp.Results, 2)
	for _, r := range resp.Results {
		assert.NotEqual(t, anchor, r.GMID, "anchor must not appear in its own results")
	}

	// K+1 requested so stripping self still leaves K.
	require.Len(t, idx.searches, 1)
	assert.Equal(t, uint64(3), idx.searches[0].limit)
}

func TestSimilarNotIndexed(t *testing.T) {
	idx := &fakeIndex{vectors: map[string][]float32{}}
	e := newEngine(idx, &fakeEmbedder{})

	_, err := e.Similar(context.Background(), gmidN(9), 10, "")
	assert.ErrorIs(t, err, ErrNotIndexed)
}

func TestMergeHitsDeterministicOrder(t *testing.T) {
	// Equal scores tiebreak on GMID for stable pagination.
	a := []vectorindex.Hit{{GMID: gmidN(2), Score: 0.5}, {GMID: gmidN(1), Score: 0.5}}
	results := mergeHits(a, nil)
	require.Len(t, results, 2)
	assert.Equal(t, gmidN(1), results[0].GMID)
	assert.Equal(t, gmidN(2), results[1].GMID)
}
