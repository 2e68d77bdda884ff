// Package registry is the durable metadata registry: one row per media
// item keyed by GMID, including the indexing state machine that the
// ingestion pipeline drives through compare-and-swap transitions.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates an unknown GMID.
	ErrNotFound = errors.New("media record not found")

	// ErrConflict indicates a CAS transition whose precondition failed.
	ErrConflict = errors.New("state transition conflict")
)

// State is the indexing state of a media record.
type State string

const (
	StatePending           State = "pending"
	StateThumbnailReady    State = "thumbnail_ready"
	StateEmbeddingInFlight State = "embedding_in_flight"
	StateIndexed           State = "indexed"
	StateFailed            State = "failed"
)

// Record is one media item.
type Record struct {
	GMID          string    `json:"gmid"`
	OriginalName  string    `json:"original_name"`
	StoredPath    string    `json:"stored_path"`
	ThumbnailPath string    `json:"thumbnail_path"`
	MediaType     string    `json:"media_type"`
	SizeBytes     int64     `json:"size_bytes"`
	Width         int       `json:"width,omitempty"`
	Height        int       `json:"height,omitempty"`
	DurationMS    int64     `json:"duration_ms,omitempty"`
	UploadTime    time.Time `json:"upload_time"`
	Description   string    `json:"description"`
	IndexState    State     `json:"index_state"`
	IndexAttempts int       `json:"index_attempts"`
	LastError     string    `json:"last_error,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS media_records (
	gmid           TEXT PRIMARY KEY,
	original_name  TEXT NOT NULL,
	stored_path    TEXT NOT NULL,
	thumbnail_path TEXT NOT NULL,
	media_type     TEXT NOT NULL,
	size_bytes     INTEGER NOT NULL,
	width          INTEGER NOT NULL DEFAULT 0,
	height         INTEGER NOT NULL DEFAULT 0,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	upload_time    TIMESTAMP NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	index_state    TEXT NOT NULL DEFAULT 'pending',
	index_attempts INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_media_upload_time ON media_records(upload_time DESC);
CREATE INDEX IF NOT EXISTS idx_media_state ON media_records(index_state);
CREATE INDEX IF NOT EXISTS idx_media_stored_path ON media_records(stored_path);
`

// Registry wraps the SQLite database.
type Registry struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the registry database at path.
func Open(path string, logger *zap.Logger) (*Registry, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	// SQLite handles one writer; a single connection sidesteps
	// SQLITE_BUSY under the worker pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying registry schema: %w", err)
	}
	return &Registry{db: db, logger: logger.Named("registry")}, nil
}

// Close closes the database.
func (r *Registry) Close() error { return r.db.Close() }

// Ping verifies the database is reachable.
func (r *Registry) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

const recordColumns = `gmid, original_name, stored_path, thumbnail_path, media_type,
	size_bytes, width, height, duration_ms, upload_time, description,
	index_state, index_attempts, last_error`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	var state string
	err := row.Scan(&rec.GMID, &rec.OriginalName, &rec.StoredPath, &rec.ThumbnailPath,
		&rec.MediaType, &rec.SizeBytes, &rec.Width, &rec.Height, &rec.DurationMS,
		&rec.UploadTime, &rec.Description, &state, &rec.IndexAttempts, &rec.LastError)
	rec.IndexState = State(state)
	rec.UploadTime = rec.UploadTime.UTC()
	return rec, err
}

// Put inserts a record, or refreshes the mutable metadata of an existing
// one. Re-uploading identical bytes is idempotent: the state machine and
// stored paths of the existing record are untouched.
func (r *Registry) Put(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO media_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(gmid) DO UPDATE SET
			original_name = excluded.original_name,
			upload_time   = excluded.upload_time`,
		rec.GMID, rec.OriginalName, rec.StoredPath, rec.ThumbnailPath, rec.MediaType,
		rec.SizeBytes, rec.Width, rec.Height, rec.DurationMS, rec.UploadTime.UTC(),
		rec.Description, string(rec.IndexState), rec.IndexAttempts, rec.LastError)
	if err != nil {
		return fmt.Errorf("putting record %s: %w", rec.GMID, err)
	}
	return nil
}

// Exists reports whether a GMID is registered.
func (r *Registry) Exists(ctx context.Context, g string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM media_records WHERE gmid = ?`, g).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking record %s: %w", g, err)
	}
	return true, nil
}

// Get returns the record for a GMID.
func (r *Registry) Get(ctx context.Context, g string) (Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM media_records WHERE gmid = ?`, g)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, g)
	}
	if err != nil {
		return Record{}, fmt.Errorf("getting record %s: %w", g, err)
	}
	return rec, nil
}

// GetByStoredPath resolves a root-relative stored path to its record.
func (r *Registry) GetByStoredPath(ctx context.Context, storedPath string) (Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM media_records WHERE stored_path = ?`, storedPath)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: path %s", ErrNotFound, storedPath)
	}
	if err != nil {
		return Record{}, fmt.Errorf("getting record by path %s: %w", storedPath, err)
	}
	return rec, nil
}

// List returns a page of records ordered by upload time descending, GMID
// ascending as tiebreak, optionally filtered by media type. page is
// 1-based; pageSize is clamped to [1,100].
func (r *Registry) List(ctx context.Context, mediaType string, page, pageSize int) ([]Record, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > 100 {
		pageSize = 100
	}

	where := ""
	args := []any{}
	if mediaType != "" {
		where = " WHERE media_type = ?"
		args = append(args, mediaType)
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM media_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting records: %w", err)
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM media_records`+where+`
		 ORDER BY upload_time DESC, gmid ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, pageSize)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing records: %w", err)
	}
	return records, total, nil
}

// InStates returns all records whose state is one of the given states,
// oldest first. Used by the startup reconciliation scan.
func (r *Registry) InStates(ctx context.Context, states ...State) ([]Record, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM media_records
		 WHERE index_state IN (`+placeholders+`) ORDER BY upload_time ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning states: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByState returns record counts grouped by index state.
func (r *Registry) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT index_state, COUNT(*) FROM media_records GROUP BY index_state`)
	if err != nil {
		return nil, fmt.Errorf("counting by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[State(s)] = n
	}
	return counts, rows.Err()
}

// Transition moves a record from one state to another atomically. The
// update applies only when the record is currently in the from state;
// ErrConflict means another worker got there first (or the record moved).
func (r *Registry) Transition(ctx context.Context, g string, from, to State, lastError string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE media_records SET index_state = ?, last_error = ?
		WHERE gmid = ? AND index_state = ?`,
		string(to), lastError, g, string(from))
	if err != nil {
		return fmt.Errorf("transitioning %s %s->%s: %w", g, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transitioning %s: %w", g, err)
	}
	if n == 0 {
		exists, eerr := r.Exists(ctx, g)
		if eerr != nil {
			return eerr
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, g)
		}
		return fmt.Errorf("%w: %s not in state %s", ErrConflict, g, from)
	}
	r.logger.Debug("state transition",
		zap.String("gmid", g), zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// IncrementAttempts bumps the embedding attempt counter and returns the
// new value.
func (r *Registry) IncrementAttempts(ctx context.Context, g string) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx, `
		UPDATE media_records SET index_attempts = index_attempts + 1
		WHERE gmid = ? RETURNING index_attempts`, g).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, g)
	}
	if err != nil {
		return 0, fmt.Errorf("incrementing attempts for %s: %w", g, err)
	}
	return attempts, nil
}

// ResetAttempts zeroes the attempt counter, used when an item re-enters
// the pipeline after a description edit.
func (r *Registry) ResetAttempts(ctx context.Context, g string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE media_records SET index_attempts = 0, last_error = '' WHERE gmid = ?`, g)
	if err != nil {
		return fmt.Errorf("resetting attempts for %s: %w", g, err)
	}
	return nil
}

// UpdateDescription replaces the description text.
func (r *Registry) UpdateDescription(ctx context.Context, g, description string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE media_records SET description = ? WHERE gmid = ?`, description, g)
	if err != nil {
		return fmt.Errorf("updating description for %s: %w", g, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, g)
	}
	return nil
}

// UpdateDimensions records pixel dimensions (and duration for videos)
// discovered during thumbnailing.
func (r *Registry) UpdateDimensions(ctx context.Context, g string, width, height int, durationMS int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE media_records SET width = ?, height = ?, duration_ms = ?
		WHERE gmid = ?`, width, height, durationMS, g)
	if err != nil {
		return fmt.Errorf("updating dimensions for %s: %w", g, err)
	}
	return nil
}

// Delete removes a record. Deleting an unknown GMID returns ErrNotFound.
func (r *Registry) Delete(ctx context.Context, g string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM media_records WHERE gmid = ?`, g)
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", g, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, g)
	}
	return nil
}
