// Package vectorindex adapts Qdrant as the media vector index. Every
// point carries two named vectors in one shared space: text_embedding
// for the description and image_embedding for the thumbnail. Point ids
// are GMIDs rendered as UUIDs.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/kindredlabs/kindred/internal/gmid"
)

const (
	// VectorText is the named vector slot for description embeddings.
	VectorText = "text_embedding"

	// VectorImage is the named vector slot for thumbnail embeddings.
	VectorImage = "image_embedding"
)

var (
	// ErrDimensionMismatch indicates the live collection was created with
	// a different vector width than configured.
	ErrDimensionMismatch = errors.New("collection dimension mismatch")

	// ErrPointNotFound indicates a GMID with no point in the index.
	ErrPointNotFound = errors.New("point not found in index")

	// ErrInvalidVectorName indicates a search against an unknown slot.
	ErrInvalidVectorName = errors.New("invalid vector name")
)

// Config configures the index connection.
type Config struct {
	Host           string
	Port           int
	APIKey         string
	UseTLS         bool
	Collection     string
	Dimension      uint64
	MaxMessageSize int
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	RetryAttempts  int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "media_embeddings"
	}
	if c.Dimension == 0 {
		c.Dimension = 1024
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Collection == "" {
		return fmt.Errorf("collection name is required")
	}
	if c.Dimension == 0 {
		return fmt.Errorf("dimension is required")
	}
	return nil
}

// Hit is one scored search result.
type Hit struct {
	GMID    string
	Score   float32
	Payload map[string]any
}

// Stats summarizes the live collection.
type Stats struct {
	Collection string `json:"collection"`
	PointCount uint64 `json:"point_count"`
	Dimension  uint64 `json:"dimension"`
}

// Index is the Qdrant-backed media vector index.
type Index struct {
	client *qdrant.Client
	cfg    Config
	logger *zap.Logger
}

// New creates the index client. Reachability is not probed here; call
// Health or EnsureCollection to verify the connection.
func New(cfg Config, logger *zap.Logger) (*Index, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid index config: %w", err)
	}

	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	}
	if !cfg.UseTLS {
		qcfg.GrpcOptions = append(qcfg.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	return &Index{client: client, cfg: cfg, logger: logger.Named("vectorindex")}, nil
}

// Close closes the underlying connection.
func (x *Index) Close() error {
	if x.client != nil {
		return x.client.Close()
	}
	return nil
}

// Health verifies the Qdrant connection.
func (x *Index) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, x.cfg.DialTimeout)
	defer cancel()
	if _, err := x.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

// EnsureCollection makes the collection exist with the configured
// dimension. An existing collection with a different dimension is an
// error, unless fixOnMismatch is set: then it is dropped and recreated
// empty, and the caller is responsible for triggering re-indexing.
func (x *Index) EnsureCollection(ctx context.Context, fixOnMismatch bool) error {
	exists, err := x.collectionExists(ctx)
	if err != nil {
		return err
	}

	if exists {
		dim, err := x.collectionDimension(ctx)
		if err != nil {
			return err
		}
		if dim == x.cfg.Dimension {
			return nil
		}
		if !fixOnMismatch {
			return fmt.Errorf("%w: collection %q has dimension %d, configured %d",
				ErrDimensionMismatch, x.cfg.Collection, dim, x.cfg.Dimension)
		}
		x.logger.Warn("DROPPING collection with mismatched dimension; all points will be lost and re-indexing is required",
			zap.String("collection", x.cfg.Collection),
			zap.Uint64("existing_dimension", dim),
			zap.Uint64("configured_dimension", x.cfg.Dimension))
		if err := x.retryOperation(ctx, "delete_collection", func(ctx context.Context) error {
			return x.client.DeleteCollection(ctx, x.cfg.Collection)
		}); err != nil {
			return fmt.Errorf("dropping mismatched collection: %w", err)
		}
	}

	err = x.retryOperation(ctx, "create_collection", func(ctx context.Context) error {
		return x.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: x.cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
				VectorText: {
					Size:     x.cfg.Dimension,
					Distance: qdrant.Distance_Cosine,
				},
				VectorImage: {
					Size:     x.cfg.Dimension,
					Distance: qdrant.Distance_Cosine,
				},
			}),
		})
	})
	if err != nil {
		return fmt.Errorf("creating collection %q: %w", x.cfg.Collection, err)
	}
	x.logger.Info("collection ready",
		zap.String("collection", x.cfg.Collection),
		zap.Uint64("dimension", x.cfg.Dimension))
	return nil
}

func (x *Index) collectionExists(ctx context.Context) (bool, error) {
	var exists bool
	err := x.retryOperation(ctx, "collection_exists", func(ctx context.Context) error {
		ok, err := x.client.CollectionExists(ctx, x.cfg.Collection)
		if err != nil {
			return err
		}
		exists = ok
		return nil
	})
	return exists, err
}

// collectionDimension reads the width of the named vector slots from the
// live collection config. Both slots are created together, so reading
// either is enough.
func (x *Index) collectionDimension(ctx context.Context) (uint64, error) {
	var dim uint64
	err := x.retryOperation(ctx, "collection_info", func(ctx context.Context) error {
		info, err := x.client.GetCollectionInfo(ctx, x.cfg.Collection)
		if err != nil {
			return err
		}
		paramsMap := info.GetConfig().GetParams().GetVectorsConfig().GetParamsMap().GetMap()
		if params, ok := paramsMap[VectorText]; ok {
			dim = params.GetSize()
			return nil
		}
		// A single unnamed vector config means the collection predates
		// this schema; treat its size as the effective dimension.
		if params := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
			dim = params.GetSize()
			return nil
		}
		return fmt.Errorf("collection %q has no readable vector config", x.cfg.Collection)
	})
	return dim, err
}

// Upsert writes the point for a GMID with both named vectors and its
// payload. Upserting an existing id replaces it.
func (x *Index) Upsert(ctx context.Context, g string, textVec, imageVec []float32, payload map[string]any) error {
	if uint64(len(textVec)) != x.cfg.Dimension || uint64(len(imageVec)) != x.cfg.Dimension {
		return fmt.Errorf("%w: text %d, image %d, want %d",
			ErrDimensionMismatch, len(textVec), len(imageVec), x.cfg.Dimension)
	}

	point := &qdrant.PointStruct{
		Id: qdrant.NewIDUUID(gmid.PointUUID(g)),
		Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
			VectorText:  qdrant.NewVector(textVec...),
			VectorImage: qdrant.NewVector(imageVec...),
		}),
		Payload: toQdrantPayload(payload),
	}

	return x.retryOperation(ctx, "upsert", func(ctx context.Context) error {
		_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: x.cfg.Collection,
			Points:         []*qdrant.PointStruct{point},
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
}

// Search queries one named vector slot. mediaType, when non-empty,
// filters by the media_type payload field. Results come back ordered by
// score descending with scores below threshold already cut by Qdrant.
func (x *Index) Search(ctx context.Context, vectorName string, vector []float32, limit uint64, threshold float32, mediaType string) ([]Hit, error) {
	if vectorName != VectorText && vectorName != VectorImage {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVectorName, vectorName)
	}

	var filter *qdrant.Filter
	if mediaType != "" {
		filter = &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("media_type", mediaType),
			},
		}
	}

	var results []*qdrant.ScoredPoint
	err := x.retryOperation(ctx, "search", func(ctx context.Context) error {
		res, err := x.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: x.cfg.Collection,
			Query:          qdrant.NewQuery(vector...),
			Using:          qdrant.PtrOf(vectorName),
			Limit:          qdrant.PtrOf(limit),
			ScoreThreshold: qdrant.PtrOf(threshold),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         filter,
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", vectorName, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, p := range results {
		g, err := gmid.FromPointUUID(p.GetId().GetUuid())
		if err != nil {
			x.logger.Warn("skipping point with malformed id", zap.String("id", p.GetId().GetUuid()))
			continue
		}
		hits = append(hits, Hit{
			GMID:    g,
			Score:   p.GetScore(),
			Payload: fromQdrantPayload(p.GetPayload()),
		})
	}
	return hits, nil
}

// Has reports whether a point exists for the GMID.
func (x *Index) Has(ctx context.Context, g string) (bool, error) {
	var found bool
	err := x.retryOperation(ctx, "get", func(ctx context.Context) error {
		points, err := x.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: x.cfg.Collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(gmid.PointUUID(g))},
		})
		if err != nil {
			return err
		}
		found = len(points) > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking point %s: %w", g, err)
	}
	return found, nil
}

// ImageVector retrieves the stored image embedding for a GMID. Used by
// similar-search and by description re-indexing, which must not pay for
// a fresh image embedding when a live one exists.
func (x *Index) ImageVector(ctx context.Context, g string) ([]float32, error) {
	var points []*qdrant.RetrievedPoint
	err := x.retryOperation(ctx, "get_vectors", func(ctx context.Context) error {
		res, err := x.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: x.cfg.Collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(gmid.PointUUID(g))},
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieving point %s: %w", g, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPointNotFound, g)
	}

	named := points[0].GetVectors().GetVectors().GetVectors()
	vec, ok := named[VectorImage]
	if !ok || len(vec.GetData()) == 0 {
		return nil, fmt.Errorf("%w: %s has no image vector", ErrPointNotFound, g)
	}
	return vec.GetData(), nil
}

// Delete removes the point for a GMID. Deleting an absent point is not
// an error; index deletion must be idempotent for the delete cascade.
func (x *Index) Delete(ctx context.Context, g string) error {
	return x.retryOperation(ctx, "delete", func(ctx context.Context) error {
		_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: x.cfg.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{
						Ids: []*qdrant.PointId{qdrant.NewIDUUID(gmid.PointUUID(g))},
					},
				},
			},
			Wait: qdrant.PtrOf(true),
		})
		return err
	})
}

// Stats returns point count and dimension of the live collection.
func (x *Index) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := x.retryOperation(ctx, "stats", func(ctx context.Context) error {
		info, err := x.client.GetCollectionInfo(ctx, x.cfg.Collection)
		if err != nil {
			return err
		}
		stats = Stats{
			Collection: x.cfg.Collection,
			PointCount: info.GetPointsCount(),
			Dimension:  x.cfg.Dimension,
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("reading collection stats: %w", err)
	}
	return stats, nil
}

// retryOperation retries an operation with exponential backoff on
// transient gRPC failures. Each attempt gets the request timeout.
func (x *Index) retryOperation(ctx context.Context, name string, operation func(ctx context.Context) error) error {
	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt <= x.cfg.RetryAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, x.cfg.RequestTimeout)
		err := operation(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransientError(err) {
			return err
		}
		if attempt == x.cfg.RetryAttempts {
			break
		}

		x.logger.Debug("retrying after transient error",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return fmt.Errorf("%s failed after %d retries: %w", name, x.cfg.RetryAttempts, lastErr)
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// toQdrantPayload converts a plain map into Qdrant payload values.
func toQdrantPayload(payload map[string]any) map[string]*qdrant.Value {
	out := make(map[string]*qdrant.Value, len(payload))
	for k, v := range payload {
		out[k] = toQdrantValue(v)
	}
	return out
}

func toQdrantValue(v any) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

// fromQdrantPayload converts Qdrant payload values back to a plain map.
func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch kind := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			out[k] = kind.StringValue
		case *qdrant.Value_IntegerValue:
			out[k] = kind.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[k] = kind.DoubleValue
		case *qdrant.Value_BoolValue:
			out[k] = kind.BoolValue
		}
	}
	return out
}
