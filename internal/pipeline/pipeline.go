// Package pipeline drives media items from upload to indexed through the
// registry state machine:
//
//	pending -> thumbnail_ready -> embedding_in_flight -> indexed
//	                                    \-> failed
//
// A bounded queue feeds a fixed worker pool. Every transition is a
// registry CAS so a crash or a racing worker can never double-process an
// item, and startup reconciliation re-enqueues anything non-terminal.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kindredlabs/kindred/internal/embedding"
	"github.com/kindredlabs/kindred/internal/metrics"
	"github.com/kindredlabs/kindred/internal/registry"
	"github.com/kindredlabs/kindred/internal/store"
	"github.com/kindredlabs/kindred/internal/thumbnail"
	"github.com/kindredlabs/kindred/internal/vectorindex"
)

// ErrQueueFull indicates the ingestion queue has no room left.
var ErrQueueFull = errors.New("ingestion queue full")

// Index is the slice of the vector index the pipeline needs.
type Index interface {
	Upsert(ctx context.Context, g string, textVec, imageVec []float32, payload map[string]any) error
	ImageVector(ctx context.Context, g string) ([]float32, error)
	Has(ctx context.Context, g string) (bool, error)
}

// Thumbnailer renders thumbnails for both media kinds.
type Thumbnailer interface {
	Photo(ctx context.Context, src []byte) (thumbnail.Render, error)
	Video(ctx context.Context, absPath string) (thumbnail.Render, error)
}

// Config tunes the worker pool.
type Config struct {
	WorkerCount          int
	QueueSize            int
	MaxEmbeddingAttempts int
	RetryBackoff         time.Duration
}

func (c *Config) applyDefaults() {
	if c.WorkerCount == 0 {
		c.WorkerCount = 4
	}
	if c.QueueSize == 0 {
		c.QueueSize = 1024
	}
	if c.MaxEmbeddingAttempts == 0 {
		c.MaxEmbeddingAttempts = 5
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 2 * time.Second
	}
}

// Pipeline is the ingestion engine.
type Pipeline struct {
	cfg      Config
	reg      *registry.Registry
	files    *store.Store
	thumbs   Thumbnailer
	embedder embedding.Client
	index    Index
	logger   *zap.Logger

	queue     chan string
	highWater int
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

// New assembles a pipeline. Start must be called before Enqueue delivers
// anything.
func New(cfg Config, reg *registry.Registry, files *store.Store, thumbs Thumbnailer,
	embedder embedding.Client, index Index, logger *zap.Logger) *Pipeline {
	cfg.applyDefaults()
	highWater := cfg.QueueSize * 9 / 10
	if highWater < 1 {
		highWater = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:       cfg,
		reg:       reg,
		files:     files,
		thumbs:    thumbs,
		embedder:  embedder,
		index:     index,
		logger:    logger.Named("pipeline"),
		queue:     make(chan string, cfg.QueueSize),
		highWater: highWater,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the worker pool.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.cfg.WorkerCount; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
		p.logger.Info("pipeline started",
			zap.Int("workers", p.cfg.WorkerCount),
			zap.Int("queue_size", p.cfg.QueueSize))
	})
}

// Stop drains the workers. In-flight items finish their current stage;
// queued items stay in the registry for the next startup reconciliation.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.logger.Info("pipeline stopped")
	})
}

// QueueDepth returns the number of queued items.
func (p *Pipeline) QueueDepth() int { return len(p.queue) }

// Saturated reports whether the queue has crossed its high-water mark
// (90% of capacity). Uploads past this point are still admitted; the
// caller should warn the client that indexing will lag.
func (p *Pipeline) Saturated() bool { return len(p.queue) >= p.highWater }

// Enqueue hands a GMID to the worker pool without blocking. ErrQueueFull
// means the caller should surface backpressure; the item is still safe
// in the registry and will be picked up by reconciliation.
func (p *Pipeline) Enqueue(g string) error {
	select {
	case p.queue <- g:
		metrics.SetQueueDepth(len(p.queue))
		return nil
	default:
		return fmt.Errorf("%w: %d items queued", ErrQueueFull, len(p.queue))
	}
}

// enqueueLater re-queues a GMID after a delay, for retry backoff. Best
// effort: if the queue is full the item waits for reconciliation.
func (p *Pipeline) enqueueLater(g string, delay time.Duration) {
	timer := time.AfterFunc(delay, func() {
		if p.ctx.Err() != nil {
			return
		}
		if err := p.Enqueue(g); err != nil {
			p.logger.Warn("retry enqueue failed, item waits for reconciliation",
				zap.String("gmid", g), zap.Error(err))
		}
	})
	// Tie timer lifetime to pipeline shutdown.
	go func() {
		<-p.ctx.Done()
		timer.Stop()
	}()
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker", id))
	for {
		select {
		case <-p.ctx.Done():
			return
		case g := <-p.queue:
			metrics.SetQueueDepth(len(p.queue))
			if err := p.process(p.ctx, g); err != nil {
				logger.Error("processing failed", zap.String("gmid", g), zap.Error(err))
			}
		}
	}
}

// process advances one item as far as it can go in a single pass.
func (p *Pipeline) process(ctx context.Context, g string) error {
	rec, err := p.reg.Get(ctx, g)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			// Deleted while queued.
			return nil
		}
		return err
	}

	switch rec.IndexState {
	case registry.StatePending:
		if err := p.thumbnailStage(ctx, rec); err != nil {
			return err
		}
		rec, err = p.reg.Get(ctx, g)
		if err != nil || rec.IndexState != registry.StateThumbnailReady {
			return err
		}
		return p.embedStage(ctx, rec)

	case registry.StateThumbnailReady:
		return p.embedStage(ctx, rec)

	case registry.StateEmbeddingInFlight:
		// Only reachable after a crash. Reconciliation demotes these
		// before enqueueing, but release the stale claim here too in
		// case one slips through.
		if err := p.reg.Transition(ctx, g, registry.StateEmbeddingInFlight, registry.StateThumbnailReady, ""); err != nil {
			return nil
		}
		rec.IndexState = registry.StateThumbnailReady
		return p.embedStage(ctx, rec)

	default:
		// indexed and failed are terminal for the queue.
		return nil
	}
}

// thumbnailStage renders and persists the thumbnail, then advances
// pending -> thumbnail_ready. Thumbnail failure is terminal: without a
// thumbnail there is nothing to embed.
func (p *Pipeline) thumbnailStage(ctx context.Context, rec registry.Record) error {
	render, err := p.renderThumbnail(ctx, rec)
	if err != nil {
		p.fail(ctx, rec.GMID, registry.StatePending, fmt.Sprintf("thumbnail: %v", err))
		return fmt.Errorf("thumbnailing %s: %w", rec.GMID, err)
	}

	if err := p.files.WriteThumbnail(rec.ThumbnailPath, render.JPEG); err != nil {
		p.fail(ctx, rec.GMID, registry.StatePending, fmt.Sprintf("thumbnail write: %v", err))
		return fmt.Errorf("writing thumbnail for %s: %w", rec.GMID, err)
	}

	// Dimensions are display metadata only; a failed write must not
	// block indexing.
	if render.Width > 0 && render.Height > 0 {
		if err := p.reg.UpdateDimensions(ctx, rec.GMID, render.Width, render.Height, 0); err != nil {
			p.logger.Warn("could not record dimensions", zap.String("gmid", rec.GMID), zap.Error(err))
		}
	}

	if err := p.reg.Transition(ctx, rec.GMID, registry.StatePending, registry.StateThumbnailReady, ""); err != nil {
		if errors.Is(err, registry.ErrConflict) {
			return nil
		}
		return err
	}
	metrics.RecordTransition(string(registry.StateThumbnailReady))
	return nil
}

func (p *Pipeline) renderThumbnail(ctx context.Context, rec registry.Record) (thumbnail.Render, error) {
	if rec.MediaType == string(store.Video) {
		abs, err := p.files.Abs(rec.StoredPath)
		if err != nil {
			return thumbnail.Render{}, err
		}
		return p.thumbs.Video(ctx, abs)
	}
	src, err := p.files.Read(rec.StoredPath)
	if err != nil {
		return thumbnail.Render{}, err
	}
	return p.thumbs.Photo(ctx, src)
}

// embedStage claims the item (thumbnail_ready -> embedding_in_flight),
// embeds both modalities, upserts the point, and finishes with
// embedding_in_flight -> indexed. Transient failures hand the item back
// to thumbnail_ready with a delayed re-enqueue until the attempt budget
// runs out.
func (p *Pipeline) embedStage(ctx context.Context, rec registry.Record) error {
	if err := p.reg.Transition(ctx, rec.GMID, registry.StateThumbnailReady, registry.StateEmbeddingInFlight, ""); err != nil {
		if errors.Is(err, registry.ErrConflict) || errors.Is(err, registry.ErrNotFound) {
			// Another worker owns it, or it was deleted.
			return nil
		}
		return err
	}
	metrics.RecordTransition(string(registry.StateEmbeddingInFlight))

	textVec, imageVec, err := p.embedBoth(ctx, rec)
	if err == nil {
		err = p.index.Upsert(ctx, rec.GMID, textVec, imageVec, p.payload(rec))
		if err != nil && !vectorindex.IsTransientError(err) && !errors.Is(err, vectorindex.ErrDimensionMismatch) {
			// Unknown upsert errors get retried like transients.
			err = fmt.Errorf("%w: %v", embedding.ErrTransient, err)
		}
	}

	if err == nil {
		if terr := p.reg.Transition(ctx, rec.GMID, registry.StateEmbeddingInFlight, registry.StateIndexed, ""); terr != nil {
			return terr
		}
		metrics.RecordTransition(string(registry.StateIndexed))
		p.logger.Info("media indexed", zap.String("gmid", rec.GMID))
		return nil
	}

	if embedding.IsRetryable(err) || vectorindex.IsTransientError(err) {
		return p.retryOrFail(ctx, rec.GMID, err)
	}

	// Permanent: provider rejected the input or the vector width is wrong.
	p.fail(ctx, rec.GMID, registry.StateEmbeddingInFlight, err.Error())
	return fmt.Errorf("embedding %s: %w", rec.GMID, err)
}

// embedBoth produces the text and image vectors concurrently. The image
// vector is recovered from the live index when present (description
// edits must not re-bill the image) and embedded fresh otherwise.
func (p *Pipeline) embedBoth(ctx context.Context, rec registry.Record) ([]float32, []float32, error) {
	var textVec, imageVec []float32

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		vec, err := p.embedder.EmbedText(gctx, rec.Description)
		if err != nil {
			return fmt.Errorf("text: %w", err)
		}
		textVec = vec
		return nil
	})
	grp.Go(func() error {
		if vec, err := p.index.ImageVector(gctx, rec.GMID); err == nil {
			imageVec = vec
			return nil
		}
		thumb, err := p.files.Read(rec.ThumbnailPath)
		if err != nil {
			return fmt.Errorf("image: reading thumbnail: %w: %v", embedding.ErrRejected, err)
		}
		vec, err := p.embedder.EmbedImage(gctx, thumb)
		if err != nil {
			return fmt.Errorf("image: %w", err)
		}
		imageVec = vec
		return nil
	})
	if err := grp.Wait(); err != nil {
		return nil, nil, err
	}
	return textVec, imageVec, nil
}

// retryOrFail hands a transiently-failed item back to thumbnail_ready
// and re-enqueues it with backoff, or fails it when the budget is spent.
func (p *Pipeline) retryOrFail(ctx context.Context, g string, cause error) error {
	attempts, err := p.reg.IncrementAttempts(ctx, g)
	if err != nil {
		return err
	}
	if attempts >= p.cfg.MaxEmbeddingAttempts {
		p.fail(ctx, g, registry.StateEmbeddingInFlight,
			fmt.Sprintf("gave up after %d attempts: %v", attempts, cause))
		return fmt.Errorf("embedding %s exhausted %d attempts: %w", g, attempts, cause)
	}

	if err := p.reg.Transition(ctx, g, registry.StateEmbeddingInFlight, registry.StateThumbnailReady,
		fmt.Sprintf("attempt %d: %v", attempts, cause)); err != nil {
		return err
	}
	metrics.RecordTransition(string(registry.StateThumbnailReady))

	// Linear-in-attempts delay keeps a struggling provider from being
	// hammered by the whole pool at once.
	delay := p.cfg.RetryBackoff * time.Duration(attempts)
	p.logger.Warn("embedding attempt failed, will retry",
		zap.String("gmid", g),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay),
		zap.Error(cause))
	p.enqueueLater(g, delay)
	return nil
}

func (p *Pipeline) fail(ctx context.Context, g string, from registry.State, msg string) {
	if err := p.reg.Transition(ctx, g, from, registry.StateFailed, msg); err != nil {
		p.logger.Error("could not mark item failed", zap.String("gmid", g), zap.Error(err))
		return
	}
	metrics.RecordTransition(string(registry.StateFailed))
}

// payload builds the point payload stored beside the vectors.
func (p *Pipeline) payload(rec registry.Record) map[string]any {
	return map[string]any{
		"gmid":           rec.GMID,
		"media_type":     rec.MediaType,
		"original_name":  rec.OriginalName,
		"file_name":      rec.StoredPath,
		"thumbnail_path": rec.ThumbnailPath,
		"description":    rec.Description,
		"size_bytes":     rec.SizeBytes,
		"upload_time":    rec.UploadTime.UTC().Format(time.RFC3339),
		"last_updated":   time.Now().UTC().Format(time.RFC3339),
		"schema_version": 2,
	}
}

// Reconcile scans the registry at startup and restores queue state that
// died with the previous process: non-terminal items are re-enqueued
// (embedding_in_flight claims are released first), and indexed items
// whose point vanished from the index are demoted to thumbnail_ready.
func (p *Pipeline) Reconcile(ctx context.Context) error {
	stale, err := p.reg.InStates(ctx, registry.StateEmbeddingInFlight)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	for _, rec := range stale {
		if err := p.reg.Transition(ctx, rec.GMID, registry.StateEmbeddingInFlight, registry.StateThumbnailReady,
			"released stale claim at startup"); err != nil && !errors.Is(err, registry.ErrConflict) {
			return fmt.Errorf("reconcile: releasing %s: %w", rec.GMID, err)
		}
	}

	indexed, err := p.reg.InStates(ctx, registry.StateIndexed)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	demoted := 0
	for _, rec := range indexed {
		has, err := p.index.Has(ctx, rec.GMID)
		if err != nil {
			p.logger.Warn("reconcile: index probe failed", zap.String("gmid", rec.GMID), zap.Error(err))
			continue
		}
		if has {
			continue
		}
		if err := p.reg.Transition(ctx, rec.GMID, registry.StateIndexed, registry.StateThumbnailReady,
			"point missing from index"); err != nil && !errors.Is(err, registry.ErrConflict) {
			return fmt.Errorf("reconcile: demoting %s: %w", rec.GMID, err)
		}
		demoted++
	}

	pendingWork, err := p.reg.InStates(ctx, registry.StatePending, registry.StateThumbnailReady)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	requeued := 0
	for _, rec := range pendingWork {
		if err := p.Enqueue(rec.GMID); err != nil {
			p.logger.Warn("reconcile: queue full, remaining items deferred",
				zap.Int("requeued", requeued), zap.Int("total", len(pendingWork)))
			break
		}
		requeued++
	}

	p.logger.Info("reconciliation complete",
		zap.Int("released_claims", len(stale)),
		zap.Int("demoted_missing_points", demoted),
		zap.Int("requeued", requeued))
	return nil
}

// ReindexDescription re-enters an item into the pipeline after its
// description changed. The text vector is recomputed; the image vector
// is preserved through the index fetch in embedBoth.
func (p *Pipeline) ReindexDescription(ctx context.Context, g string) error {
	rec, err := p.reg.Get(ctx, g)
	if err != nil {
		return err
	}
	if err := p.reg.ResetAttempts(ctx, g); err != nil {
		return err
	}
	switch rec.IndexState {
	case registry.StateIndexed, registry.StateFailed:
		if err := p.reg.Transition(ctx, g, rec.IndexState, registry.StateThumbnailReady, ""); err != nil {
			return err
		}
		metrics.RecordTransition(string(registry.StateThumbnailReady))
	case registry.StatePending, registry.StateThumbnailReady, registry.StateEmbeddingInFlight:
		// Already on its way through; the new description will be read
		// at embed time.
		return nil
	}
	return p.Enqueue(g)
}
