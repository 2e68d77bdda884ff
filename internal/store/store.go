// Package store implements the on-disk content store: originals and
// thumbnails under a single content root, partitioned by upload date.
// The registry database lives alongside but is owned by the registry
// package.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrUnsupportedType indicates a file extension outside the whitelist.
	ErrUnsupportedType = errors.New("unsupported media type")

	// ErrNotFound indicates a missing stored file.
	ErrNotFound = errors.New("file not found")

	// ErrOutsideRoot indicates a path that escapes the content root.
	ErrOutsideRoot = errors.New("path escapes content root")
)

// MediaType distinguishes photos from videos.
type MediaType string

const (
	Photo MediaType = "photo"
	Video MediaType = "video"
)

// photoExts and videoExts are the admission whitelist. Extensions are
// matched case-insensitively.
var photoExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".heic": true, ".webp": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".hevc": true, ".avi": true,
}

// TypeForName returns the media type for a filename, or ErrUnsupportedType.
func TypeForName(name string) (MediaType, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case photoExts[ext]:
		return Photo, nil
	case videoExts[ext]:
		return Video, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}
}

const (
	photosDir     = "photos"
	videosDir     = "videos"
	thumbnailsDir = "thumbnails"
	registryDir   = "registry"
)

// Store is the content root. All returned paths are relative to the root
// so the registry stays portable if the library is moved.
type Store struct {
	root   string
	logger *zap.Logger
}

// New opens (creating if needed) the content root and its fixed subtrees.
func New(root string, logger *zap.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving content root: %w", err)
	}
	for _, dir := range []string{photosDir, videosDir, thumbnailsDir, registryDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("preparing content root: %w", err)
		}
	}
	// Verify writability up front so startup can fail fast.
	probe := filepath.Join(abs, registryDir, ".write-probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return nil, fmt.Errorf("content root not writable: %w", err)
	}
	_ = os.Remove(probe)

	return &Store{root: abs, logger: logger.Named("store")}, nil
}

// Root returns the absolute content root.
func (s *Store) Root() string { return s.root }

// RegistryPath returns the path for the metadata registry database.
func (s *Store) RegistryPath() string {
	return filepath.Join(s.root, registryDir, "registry.db")
}

// Save writes content bytes to their partitioned location and returns the
// root-relative stored path. Placement:
//
//	photos|videos/YYYY-MM-DD/<stem>_<unix_ms>.<ext>
//
// A 4-hex counter suffix resolves same-millisecond collisions.
func (s *Store) Save(data []byte, originalName string, mt MediaType, now time.Time) (string, error) {
	base := photosDir
	if mt == Video {
		base = videosDir
	}
	day := now.UTC().Format("2006-01-02")

	ext := strings.ToLower(filepath.Ext(originalName))
	stem := sanitizeStem(strings.TrimSuffix(filepath.Base(originalName), filepath.Ext(originalName)))

	dir := filepath.Join(s.root, base, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating partition dir: %w", err)
	}

	name := fmt.Sprintf("%s_%d%s", stem, now.UnixMilli(), ext)
	for i := 0; ; i++ {
		abs := filepath.Join(dir, name)
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			break
		}
		name = fmt.Sprintf("%s_%d_%04x%s", stem, now.UnixMilli(), i+1, ext)
	}

	rel := filepath.Join(base, day, name)
	if err := s.writeAtomic(filepath.Join(dir, name), data); err != nil {
		return "", err
	}
	s.logger.Debug("stored content", zap.String("path", rel), zap.Int("bytes", len(data)))
	return rel, nil
}

// ThumbnailPath returns the root-relative path where the thumbnail for a
// GMID belongs, partitioned by the same upload date as the original.
func (s *Store) ThumbnailPath(g string, now time.Time) string {
	return filepath.Join(thumbnailsDir, now.UTC().Format("2006-01-02"), g+".jpg")
}

// WriteThumbnail writes thumbnail bytes to a root-relative path atomically.
func (s *Store) WriteThumbnail(rel string, data []byte) error {
	abs, err := s.Abs(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating thumbnail dir: %w", err)
	}
	return s.writeAtomic(abs, data)
}

// Read returns the bytes of a root-relative stored path.
func (s *Store) Read(rel string) ([]byte, error) {
	abs, err := s.Abs(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	return data, nil
}

// Remove deletes stored files by root-relative path. Missing files are
// not an error; delete must be idempotent.
func (s *Store) Remove(rels ...string) error {
	var firstErr error
	for _, rel := range rels {
		if rel == "" {
			continue
		}
		abs, err := s.Abs(rel)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("removing %s: %w", rel, err)
			}
		}
	}
	return firstErr
}

// Abs resolves a root-relative path, rejecting traversal outside the root.
func (s *Store) Abs(rel string) (string, error) {
	abs := filepath.Join(s.root, rel)
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return abs, nil
}

// writeAtomic writes via a temp file, fsyncs, then renames into place so a
// crash never leaves a partial file at the final path.
func (s *Store) writeAtomic(abs string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// sanitizeStem strips path separators and control characters from a
// client-supplied filename stem.
func sanitizeStem(stem string) string {
	var b strings.Builder
	for _, r := range stem {
		switch {
		case r == '/' || r == '\\' || r == 0:
			continue
		case r < 0x20:
			continue
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return "media"
	}
	return out
}
