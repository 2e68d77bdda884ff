package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kindredlabs/kindred/internal/gmid"
	"github.com/kindredlabs/kindred/internal/metrics"
	"github.com/kindredlabs/kindred/internal/pipeline"
	"github.com/kindredlabs/kindred/internal/registry"
	"github.com/kindredlabs/kindred/internal/store"
)

// handleToken exchanges the configured credentials for a bearer token.
func (s *Server) handleToken(c echo.Context) error {
	username := c.FormValue("username")
	password := c.FormValue("password")

	if !s.auth.Authenticate(username, password) {
		return c.JSON(http.StatusUnauthorized, map[string]any{
			"success": false,
			"code":    "invalid_credentials",
			"detail":  "incorrect username or password",
		})
	}

	token, expires, err := s.auth.IssueToken(username)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_at":   expires.UTC().Format(time.RFC3339),
	})
}

// uploadResult is the per-file outcome in an upload response.
type uploadResult struct {
	GMID         string `json:"gmid"`
	OriginalName string `json:"original_name"`
	MediaType    string `json:"media_type"`
	Status       string `json:"status"` // pending or duplicate
	StoredPath   string `json:"stored_path"`
	Warning      string `json:"warning,omitempty"`
}

// handleUpload ingests one or more files. Validation happens before any
// byte is stored: one oversized or unsupported file rejects the whole
// request so a client never has to guess which half of a batch landed.
func (s *Server) handleUpload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"success": false,
			"code":    "invalid_request",
			"detail":  "multipart form required",
		})
	}
	files := form.File["files"]
	if len(files) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"success": false,
			"code":    "invalid_request",
			"detail":  "no files provided",
		})
	}
	descriptions := form.Value["descriptions"]

	for _, fh := range files {
		if _, err := store.TypeForName(fh.Filename); err != nil {
			metrics.RecordUpload("rejected")
			return apiError(c, fmt.Errorf("%s: %w", fh.Filename, err))
		}
		if fh.Size > s.cfg.MaxFileSize {
			metrics.RecordUpload("rejected")
			return c.JSON(http.StatusRequestEntityTooLarge, map[string]any{
				"success": false,
				"code":    "file_too_large",
				"detail":  fmt.Sprintf("%s exceeds the %d byte limit", fh.Filename, s.cfg.MaxFileSize),
			})
		}
	}

	results := make([]uploadResult, 0, len(files))
	for i, fh := range files {
		description := ""
		if i < len(descriptions) {
			description = descriptions[i]
		}
		res, err := s.ingestFile(c, fh, description)
		if err != nil {
			metrics.RecordUpload("failed")
			return apiError(c, err)
		}
		results = append(results, res)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success":  true,
		"uploaded": results,
		"total":    len(results),
	})
}

// ingestFile stores one file, registers it and enqueues it.
func (s *Server) ingestFile(c echo.Context, fh *multipart.FileHeader, description string) (uploadResult, error) {
	ctx := c.Request().Context()

	f, err := fh.Open()
	if err != nil {
		return uploadResult{}, fmt.Errorf("opening upload: %w", err)
	}
	defer f.Close()

	// Size was validated from the header; the extra byte catches parts
	// that lie about their size.
	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxFileSize+1))
	if err != nil {
		return uploadResult{}, fmt.Errorf("reading upload: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		return uploadResult{}, fmt.Errorf("%s exceeds size limit", fh.Filename)
	}

	mt, err := store.TypeForName(fh.Filename)
	if err != nil {
		return uploadResult{}, err
	}
	g := gmid.FromBytes(data)
	now := time.Now().UTC()

	if description == "" {
		description = strings.TrimSuffix(path.Base(fh.Filename), path.Ext(fh.Filename))
	}

	// Identical bytes collapse onto the existing record: refresh its
	// metadata, keep its files and state machine.
	if existing, err := s.reg.Get(ctx, g); err == nil {
		refreshed := existing
		refreshed.OriginalName = fh.Filename
		refreshed.UploadTime = now
		if err := s.reg.Put(ctx, refreshed); err != nil {
			return uploadResult{}, err
		}
		metrics.RecordUpload("duplicate")
		return uploadResult{
			GMID:         g,
			OriginalName: fh.Filename,
			MediaType:    existing.MediaType,
			Status:       "duplicate",
			StoredPath:   existing.StoredPath,
		}, nil
	} else if !errors.Is(err, registry.ErrNotFound) {
		return uploadResult{}, err
	}

	rel, err := s.files.Save(data, fh.Filename, mt, now)
	if err != nil {
		return uploadResult{}, fmt.Errorf("storing upload: %w", err)
	}

	rec := registry.Record{
		GMID:          g,
		OriginalName:  fh.Filename,
		StoredPath:    rel,
		ThumbnailPath: s.files.ThumbnailPath(g, now),
		MediaType:     string(mt),
		SizeBytes:     int64(len(data)),
		UploadTime:    now,
		Description:   description,
		IndexState:    registry.StatePending,
	}
	if err := s.reg.Put(ctx, rec); err != nil {
		// Roll the stored file back so the store and registry agree.
		_ = s.files.Remove(rel)
		return uploadResult{}, err
	}

	result := uploadResult{
		GMID:         g,
		OriginalName: fh.Filename,
		MediaType:    string(mt),
		Status:       "pending",
		StoredPath:   rel,
	}

	// A full queue rejects the upload so the client backs off. The bytes
	// and the record are durable, so a retry collapses onto the existing
	// record and reconciliation picks up anything left behind.
	if err := s.ingest.Enqueue(g); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			s.logger.Warn("ingestion queue full, upload rejected", zap.String("gmid", g))
		}
		return uploadResult{}, err
	}

	// Past the high-water mark the upload is still admitted, but the
	// client is told indexing will lag.
	if s.ingest.Saturated() {
		result.Warning = "ingestion queue near capacity; indexing may lag"
	}

	metrics.RecordUpload("accepted")
	return result, nil
}

// listItem is a record plus the URLs a client needs to render it.
type listItem struct {
	registry.Record
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url"`
}

func toListItem(rec registry.Record) listItem {
	return listItem{
		Record:       rec,
		URL:          "/media/" + rec.StoredPath,
		ThumbnailURL: "/media/" + rec.ThumbnailPath,
	}
}

func (s *Server) handleList(c echo.Context) error {
	mediaType := c.QueryParam("media_type")
	if mediaType != "" && mediaType != string(store.Photo) && mediaType != string(store.Video) {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"success": false,
			"code":    "invalid_request",
			"detail":  "media_type must be photo or video",
		})
	}
	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 20)

	records, total, err := s.reg.List(c.Request().Context(), mediaType, page, pageSize)
	if err != nil {
		return apiError(c, err)
	}

	items := make([]listItem, len(records))
	for i, rec := range records {
		items[i] = toListItem(rec)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":   true,
		"items":     items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleDetail(c echo.Context) error {
	g, err := gmid.Parse(c.Param("gmid"))
	if err != nil {
		return apiError(c, err)
	}
	rec, err := s.reg.Get(c.Request().Context(), g)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"item":    toListItem(rec),
	})
}

// handleDelete cascades: vector point first, then files, then the
// record. Every step is idempotent so a half-finished delete can be
// retried safely.
func (s *Server) handleDelete(c echo.Context) error {
	g, err := gmid.Parse(c.Param("gmid"))
	if err != nil {
		return apiError(c, err)
	}
	ctx := c.Request().Context()

	rec, err := s.reg.Get(ctx, g)
	if err != nil {
		return apiError(c, err)
	}

	if err := s.index.Delete(ctx, g); err != nil {
		return apiError(c, fmt.Errorf("removing from index: %w", err))
	}
	if err := s.files.Remove(rec.StoredPath, rec.ThumbnailPath); err != nil {
		return apiError(c, fmt.Errorf("removing files: %w", err))
	}
	if err := s.reg.Delete(ctx, g); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return apiError(c, err)
	}

	s.logger.Info("media deleted", zap.String("gmid", g))
	return c.JSON(http.StatusOK, map[string]any{"success": true, "gmid": g})
}

type descriptionRequest struct {
	Description string `json:"description" form:"description"`
}

// handleUpdateDescription persists the new text and re-enters the item
// into the pipeline so its text vector catches up.
func (s *Server) handleUpdateDescription(c echo.Context) error {
	g, err := gmid.Parse(c.Param("gmid"))
	if err != nil {
		return apiError(c, err)
	}
	var req descriptionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"success": false,
			"code":    "invalid_request",
			"detail":  "malformed request body",
		})
	}

	ctx := c.Request().Context()
	if err := s.reg.UpdateDescription(ctx, g, req.Description); err != nil {
		return apiError(c, err)
	}
	if err := s.ingest.ReindexDescription(ctx, g); err != nil && !errors.Is(err, pipeline.ErrQueueFull) {
		return apiError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success":     true,
		"gmid":        g,
		"description": req.Description,
	})
}

type textSearchRequest struct {
	Query     string `json:"query" form:"query"`
	Limit     int    `json:"limit" form:"limit"`
	MediaType string `json:"media_type" form:"media_type"`
}

func (s *Server) handleSearchText(c echo.Context) error {
	var req textSearchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"success": false,
			"code":    "invalid_request",
			"detail":  "malformed request body",
		})
	}

	resp, err := s.engine.ByText(c.Request().Context(), req.Query, req.Limit, req.MediaType)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSearchByImage takes a multipart image, previews it down to
// thumbnail size in memory (never touching the content store) and runs
// an image-slot search.
func (s *Server) handleSearchByImage(c echo.Context) error {
	fh, err := c.FormFile("image")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"success": false,
			"code":    "invalid_request",
			"detail":  "image file required",
		})
	}
	if _, err := store.TypeForName(fh.Filename); err != nil {
		return apiError(c, err)
	}
	if fh.Size > s.cfg.MaxFileSize {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]any{
			"success": false,
			"code":    "file_too_large",
			"detail":  "query image exceeds the size limit",
		})
	}

	f, err := fh.Open()
	if err != nil {
		return apiError(c, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxFileSize+1))
	if err != nil {
		return apiError(c, err)
	}

	ctx := c.Request().Context()
	preview, err := s.preview.Photo(ctx, data)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"success": false,
			"code":    "undecodable_image",
			"detail":  err.Error(),
		})
	}

	limit := queryInt(c, "limit", 0)
	resp, err := s.engine.ByImage(ctx, preview.JPEG, limit, c.QueryParam("media_type"))
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type similarRequest struct {
	GMID      string `json:"gmid" form:"gmid"`
	FilePath  string `json:"file_path" form:"file_path"`
	Limit     int    `json:"limit" form:"limit"`
	MediaType string `json:"media_type" form:"media_type"`
}

func (s *Server) handleSearchSimilar(c echo.Context) error {
	var req similarRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"success": false,
			"code":    "invalid_request",
			"detail":  "malformed request body",
		})
	}
	g, err := gmid.Parse(req.GMID)
	if err != nil {
		return apiError(c, err)
	}

	resp, err := s.engine.Similar(c.Request().Context(), g, req.Limit, req.MediaType)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSearchSimilarByFile anchors a similar-search on a stored path
// instead of a GMID, for clients that navigate the file tree.
func (s *Server) handleSearchSimilarByFile(c echo.Context) error {
	var req similarRequest
	if err := c.Bind(&req); err != nil || req.FilePath == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"success": false,
			"code":    "invalid_request",
			"detail":  "file_path required",
		})
	}

	ctx := c.Request().Context()
	rec, err := s.reg.GetByStoredPath(ctx, strings.TrimPrefix(req.FilePath, "/media/"))
	if err != nil {
		return apiError(c, err)
	}

	resp, err := s.engine.Similar(ctx, rec.GMID, req.Limit, req.MediaType)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSearchStats reports library and index counts side by side so
// drift between the registry and the index is visible.
func (s *Server) handleSearchStats(c echo.Context) error {
	ctx := c.Request().Context()

	counts, err := s.reg.CountByState(ctx)
	if err != nil {
		return apiError(c, err)
	}
	byState := make(map[string]int, len(counts))
	total := 0
	for state, n := range counts {
		byState[string(state)] = n
		total += n
	}

	stats := map[string]any{
		"success": true,
		"registry": map[string]any{
			"total":    total,
			"by_state": byState,
		},
		"queue_depth": s.ingest.QueueDepth(),
	}

	if idx, err := s.index.Stats(ctx); err != nil {
		stats["index"] = map[string]any{"error": err.Error()}
	} else {
		stats["index"] = idx
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleRateLimitStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"success":  true,
		"limiters": s.embedder.RateLimitStatus(),
	})
}
