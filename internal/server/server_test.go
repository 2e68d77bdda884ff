package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kindredlabs/kindred/internal/auth"
	"github.com/kindredlabs/kindred/internal/embedding"
	"github.com/kindredlabs/kindred/internal/gmid"
	"github.com/kindredlabs/kindred/internal/pipeline"
	"github.com/kindredlabs/kindred/internal/registry"
	"github.com/kindredlabs/kindred/internal/search"
	"github.com/kindredlabs/kindred/internal/store"
	"github.com/kindredlabs/kindred/internal/thumbnail"
	"github.com/kindredlabs/kindred/internal/vectorindex"
)

type fakeIngestor struct {
	enqueued  []string
	reindexed []string
	full      bool
	saturated bool
}

func (f *fakeIngestor) Enqueue(g string) error {
	if f.full {
		return pipeline.ErrQueueFull
	}
	f.enqueued = append(f.enqueued, g)
	return nil
}

func (f *fakeIngestor) ReindexDescription(ctx context.Context, g string) error {
	f.reindexed = append(f.reindexed, g)
	return nil
}

func (f *fakeIngestor) QueueDepth() int { return len(f.enqueued) }

func (f *fakeIngestor) Saturated() bool { return f.saturated }

type fakeSearcher struct {
	resp    *search.Response
	err     error
	queries []string
	anchors []string
}

func (f *fakeSearcher) ByText(ctx context.Context, query string, limit int, mediaType string) (*search.Response, error) {
	f.queries = append(f.queries, query)
	return f.resp, f.err
}

func (f *fakeSearcher) ByImage(ctx context.Context, preview []byte, limit int, mediaType string) (*search.Response, error) {
	return f.resp, f.err
}

func (f *fakeSearcher) Similar(ctx context.Context, g string, limit int, mediaType string) (*search.Response, error) {
	f.anchors = append(f.anchors, g)
	return f.resp, f.err
}

type fakeIndexAdmin struct {
	deleted   []string
	healthErr error
}

func (f *fakeIndexAdmin) Delete(ctx context.Context, g string) error {
	f.deleted = append(f.deleted, g)
	return nil
}

func (f *fakeIndexAdmin) Stats(ctx context.Context) (vectorindex.Stats, error) {
	return vectorindex.Stats{Collection: "media_embeddings", PointCount: 3, Dimension: 1024}, nil
}

func (f *fakeIndexAdmin) Health(ctx context.Context) error { return f.healthErr }

type fakePreviewer struct{ err error }

func (f *fakePreviewer) Photo(ctx context.Context, src []byte) (thumbnail.Render, error) {
	if f.err != nil {
		return thumbnail.Render{}, f.err
	}
	return thumbnail.Render{JPEG: []byte("preview-jpeg"), Width: 640, Height: 480}, nil
}

type fakeEmbedder struct{ err error }

func (f *fakeEmbedder) Healthy(ctx context.Context) error { return f.err }
func (f *fakeEmbedder) RateLimitStatus() map[string]embedding.LimiterStatus {
	return map[string]embedding.LimiterStatus{
		"text":  {RatePerSec: 10, Burst: 10, TokensAvailable: 10},
		"image": {RatePerSec: 5, Burst: 5, TokensAvailable: 5},
	}
}

type testEnv struct {
	server  *Server
	reg     *registry.Registry
	files   *store.Store
	ingest  *fakeIngestor
	engine  *fakeSearcher
	index   *fakeIndexAdmin
	preview *fakePreviewer
	embed   *fakeEmbedder
	token   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	files, err := store.New(t.TempDir(), logger)
	require.NoError(t, err)

	reg, err := registry.Open(files.RegistryPath(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	authSvc, err := auth.New(auth.Config{
		JWTSecret: "test-secret",
		Username:  "family",
		Password:  "123456",
		TokenTTL:  time.Hour,
	})
	require.NoError(t, err)
	token, _, err := authSvc.IssueToken("family")
	require.NoError(t, err)

	env := &testEnv{
		reg:     reg,
		files:   files,
		ingest:  &fakeIngestor{},
		engine:  &fakeSearcher{resp: &search.Response{Success: true}},
		index:   &fakeIndexAdmin{},
		preview: &fakePreviewer{},
		embed:   &fakeEmbedder{},
		token:   token,
	}
	env.server = New(Config{MaxFileSize: 1 << 20}, logger, authSvc, reg, files,
		env.preview, env.ingest, env.engine, env.index, env.embed)
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doJSON(t *testing.T, method, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.do(t, method, target, bytes.NewReader(body), "application/json")
}

func multipartUpload(t *testing.T, field string, files map[string][]byte, values map[string][]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, data := range files {
		part, err := w.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	for key, vals := range values {
		for _, v := range vals {
			require.NoError(t, w.WriteField(key, v))
		}
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPingNoAuth(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/media/list", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenEndpoint(t *testing.T) {
	env := newTestEnv(t)

	form := bytes.NewBufferString("username=family&password=123456")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["access_token"])
	assert.Equal(t, "bearer", body["token_type"])

	bad := bytes.NewBufferString("username=family&password=nope")
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bad)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadAndDuplicate(t *testing.T) {
	env := newTestEnv(t)
	photo := []byte("jpeg-bytes-of-a-sunset")

	body, ct := multipartUpload(t, "files", map[string][]byte{"sunset.jpg": photo},
		map[string][]string{"descriptions": {"sunset at the lake"}})
	rec := env.do(t, http.MethodPost, "/api/v1/media/upload", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody(t, rec)
	uploaded := resp["uploaded"].([]any)
	require.Len(t, uploaded, 1)
	first := uploaded[0].(map[string]any)
	assert.Equal(t, "pending", first["status"])
	g := first["gmid"].(string)
	assert.Equal(t, gmid.FromBytes(photo), g)
	assert.Equal(t, []string{g}, env.ingest.enqueued)

	rec2, err := env.reg.Get(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "sunset at the lake", rec2.Description)
	assert.Equal(t, registry.StatePending, rec2.IndexState)

	// Same bytes again: duplicate, no second store or enqueue.
	body, ct = multipartUpload(t, "files", map[string][]byte{"copy.jpg": photo}, nil)
	rec = env.do(t, http.MethodPost, "/api/v1/media/upload", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody(t, rec)
	second := resp["uploaded"].([]any)[0].(map[string]any)
	assert.Equal(t, "duplicate", second["status"])
	assert.Len(t, env.ingest.enqueued, 1)

	// Duplicate refreshes the display name.
	rec3, err := env.reg.Get(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "copy.jpg", rec3.OriginalName)
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	env := newTestEnv(t)
	body, ct := multipartUpload(t, "files", map[string][]byte{"notes.txt": []byte("hello")}, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/media/upload", body, ct)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Empty(t, env.ingest.enqueued)
}

func TestUploadRejectsOversized(t *testing.T) {
	env := newTestEnv(t)
	big := bytes.Repeat([]byte("x"), (1<<20)+1)
	body, ct := multipartUpload(t, "files", map[string][]byte{"big.jpg": big}, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/media/upload", body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, env.ingest.enqueued)
}

func TestUploadQueueFullRejects(t *testing.T) {
	env := newTestEnv(t)
	env.ingest.full = true

	body, ct := multipartUpload(t, "files", map[string][]byte{"a.jpg": []byte("abc")}, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/media/upload", body, ct)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Equal(t, "queue_full", decodeBody(t, rec)["code"])

	// Bytes and record are durable, so a retry collapses to a duplicate.
	stored, err := env.reg.Get(context.Background(), gmid.FromBytes([]byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, registry.StatePending, stored.IndexState)
}

func TestUploadSaturatedQueueWarns(t *testing.T) {
	env := newTestEnv(t)
	env.ingest.saturated = true

	body, ct := multipartUpload(t, "files", map[string][]byte{"a.jpg": []byte("abc")}, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/media/upload", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)

	first := decodeBody(t, rec)["uploaded"].([]any)[0].(map[string]any)
	assert.Equal(t, "pending", first["status"])
	assert.NotEmpty(t, first["warning"])
	assert.Len(t, env.ingest.enqueued, 1)
}

func TestListAndDetail(t *testing.T) {
	env := newTestEnv(t)

	body, ct := multipartUpload(t, "files", map[string][]byte{
		"a.jpg": []byte("photo-a"),
		"b.mp4": []byte("video-b"),
	}, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/media/upload", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/media/list", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.EqualValues(t, 2, resp["total"])

	rec = env.do(t, http.MethodGet, "/api/v1/media/list?media_type=video", nil, "")
	resp = decodeBody(t, rec)
	assert.EqualValues(t, 1, resp["total"])

	rec = env.do(t, http.MethodGet, "/api/v1/media/list?media_type=audio", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	g := gmid.FromBytes([]byte("photo-a"))
	rec = env.do(t, http.MethodGet, "/api/v1/media/"+g, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	item := decodeBody(t, rec)["item"].(map[string]any)
	assert.Equal(t, "a.jpg", item["original_name"])
	assert.Contains(t, item["url"], "/media/photos/")

	rec = env.do(t, http.MethodGet, "/api/v1/media/"+gmid.FromBytes([]byte("missing")), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/media/not-a-gmid", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteCascades(t *testing.T) {
	env := newTestEnv(t)

	body, ct := multipartUpload(t, "files", map[string][]byte{"a.jpg": []byte("photo-a")}, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/media/upload", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	g := gmid.FromBytes([]byte("photo-a"))

	rec = env.do(t, http.MethodDelete, "/api/v1/media/"+g, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{g}, env.index.deleted)

	_, err := env.reg.Get(context.Background(), g)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	rec = env.do(t, http.MethodDelete, "/api/v1/media/"+g, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateDescriptionTriggersReindex(t *testing.T) {
	env := newTestEnv(t)

	body, ct := multipartUpload(t, "files", map[string][]byte{"a.jpg": []byte("photo-a")}, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/media/upload", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	g := gmid.FromBytes([]byte("photo-a"))

	rec = env.doJSON(t, http.MethodPut, "/api/v1/media/"+g+"/description",
		map[string]string{"description": "grandma's birthday"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{g}, env.ingest.reindexed)

	stored, err := env.reg.Get(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "grandma's birthday", stored.Description)
}

func TestSearchText(t *testing.T) {
	env := newTestEnv(t)
	env.engine.resp = &search.Response{Success: true, Total: 1, Results: []search.Result{
		{GMID: gmid.FromBytes([]byte("x")), Score: 0.9, MatchSource: search.MatchText},
	}}

	rec := env.doJSON(t, http.MethodPost, "/api/v1/search/text",
		map[string]any{"query": "beach", "limit": 5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"beach"}, env.engine.queries)

	env.engine.err = search.ErrEmptyQuery
	rec = env.doJSON(t, http.MethodPost, "/api/v1/search/text", map[string]any{"query": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchByImage(t *testing.T) {
	env := newTestEnv(t)

	body, ct := multipartUpload(t, "image", map[string][]byte{"query.jpg": []byte("jpeg")}, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/search/by-image", body, ct)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The part must be named image; anything else is a bad request.
	body, ct = multipartUpload(t, "file", map[string][]byte{"query.jpg": []byte("jpeg")}, nil)
	rec = env.do(t, http.MethodPost, "/api/v1/search/by-image", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.preview.err = errors.New("not an image")
	body, ct = multipartUpload(t, "image", map[string][]byte{"query.jpg": []byte("junk")}, nil)
	rec = env.do(t, http.MethodPost, "/api/v1/search/by-image", body, ct)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSearchSimilar(t *testing.T) {
	env := newTestEnv(t)
	g := gmid.FromBytes([]byte("anchor"))

	rec := env.doJSON(t, http.MethodPost, "/api/v1/search/similar", map[string]any{"gmid": g})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{g}, env.engine.anchors)

	env.engine.err = fmt.Errorf("lookup: %w", search.ErrNotIndexed)
	rec = env.doJSON(t, http.MethodPost, "/api/v1/search/similar", map[string]any{"gmid": g})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.doJSON(t, http.MethodPost, "/api/v1/search/similar", map[string]any{"gmid": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchSimilarByFile(t *testing.T) {
	env := newTestEnv(t)

	body, ct := multipartUpload(t, "files", map[string][]byte{"a.jpg": []byte("photo-a")}, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/media/upload", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	g := gmid.FromBytes([]byte("photo-a"))

	stored, err := env.reg.Get(context.Background(), g)
	require.NoError(t, err)

	rec = env.doJSON(t, http.MethodPost, "/api/v1/search/similar-by-file",
		map[string]any{"file_path": stored.StoredPath})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{g}, env.engine.anchors)

	rec = env.doJSON(t, http.MethodPost, "/api/v1/search/similar-by-file",
		map[string]any{"file_path": "photos/2020-01-01/ghost.jpg"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchStats(t *testing.T) {
	env := newTestEnv(t)

	body, ct := multipartUpload(t, "files", map[string][]byte{"a.jpg": []byte("photo-a")}, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/media/upload", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/search/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)

	reg := resp["registry"].(map[string]any)
	assert.EqualValues(t, 1, reg["total"])
	byState := reg["by_state"].(map[string]any)
	assert.EqualValues(t, 1, byState["pending"])

	idx := resp["index"].(map[string]any)
	assert.EqualValues(t, 3, idx["point_count"])
}

func TestRateLimitStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/search/rate-limit-status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	limiters := decodeBody(t, rec)["limiters"].(map[string]any)
	assert.Contains(t, limiters, "text")
	assert.Contains(t, limiters, "image")
}

func TestHealthDegraded(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	env.embed.err = errors.New("provider down")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decodeBody(t, rec)["status"])
}
