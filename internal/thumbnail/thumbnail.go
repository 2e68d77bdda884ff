// Package thumbnail renders JPEG thumbnails for photos and video poster
// frames. Thumbnails are the canonical image representation fed to the
// embedding provider, so they are always produced at a fixed size and
// always encoded as JPEG.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os/exec"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	// Decoders for the photo admission whitelist. HEIC is handled by
	// ffmpeg fallback since no pure-Go decoder is available.
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// ErrDecode indicates bytes that could not be decoded as an image.
var ErrDecode = errors.New("cannot decode image")

// Render is a finished thumbnail plus the source dimensions observed
// while decoding. For videos the dimensions are those of the extracted
// poster frame, which matches the video resolution.
type Render struct {
	JPEG   []byte
	Width  int
	Height int
}

// Generator produces thumbnails.
type Generator struct {
	size   int
	ffmpeg string
	logger *zap.Logger
}

// New creates a Generator. size is the bounding box edge in pixels;
// ffmpegPath is the ffmpeg binary used for video frames and exotic photo
// formats.
func New(size int, ffmpegPath string, logger *zap.Logger) *Generator {
	if size <= 0 {
		size = 300
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Generator{size: size, ffmpeg: ffmpegPath, logger: logger.Named("thumbnail")}
}

// Photo decodes src and returns a JPEG thumbnail fitted inside the
// bounding box, preserving aspect ratio and EXIF orientation. The
// returned Render carries the source dimensions after orientation.
func (g *Generator) Photo(ctx context.Context, src []byte) (Render, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		// PIL-style formats Go cannot decode (HEIC most commonly) go
		// through ffmpeg.
		converted, ferr := g.convertWithFFmpeg(ctx, src)
		if ferr != nil {
			return Render{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		img = converted
	}
	jpeg, err := g.encode(img)
	if err != nil {
		return Render{}, err
	}
	bounds := img.Bounds()
	return Render{JPEG: jpeg, Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

// Video extracts a poster frame from the video at absPath and thumbnails
// it. The frame is taken one second in to skip black lead-ins, falling
// back to the first frame for very short clips.
func (g *Generator) Video(ctx context.Context, absPath string) (Render, error) {
	frame, err := g.extractFrame(ctx, absPath, "00:00:01")
	if err != nil {
		frame, err = g.extractFrame(ctx, absPath, "00:00:00")
		if err != nil {
			return Render{}, fmt.Errorf("extracting poster frame: %w", err)
		}
	}
	return g.Photo(ctx, frame)
}

func (g *Generator) extractFrame(ctx context.Context, absPath, offset string) ([]byte, error) {
	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.ffmpeg,
		"-ss", offset,
		"-i", absPath,
		"-frames:v", "1",
		"-f", "image2",
		"-vcodec", "mjpeg",
		"pipe:1",
	)
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, truncate(stderr.String(), 200))
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame at %s", offset)
	}
	return out.Bytes(), nil
}

// convertWithFFmpeg decodes image bytes Go has no decoder for.
func (g *Generator) convertWithFFmpeg(ctx context.Context, src []byte) (image.Image, error) {
	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.ffmpeg,
		"-i", "pipe:0",
		"-frames:v", "1",
		"-f", "image2",
		"-vcodec", "mjpeg",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(src)
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg convert: %w: %s", err, truncate(stderr.String(), 200))
	}
	img, err := imaging.Decode(&out)
	if err != nil {
		return nil, fmt.Errorf("decoding converted frame: %w", err)
	}
	return img, nil
}

func (g *Generator) encode(img image.Image) ([]byte, error) {
	thumb := imaging.Fit(img, g.size, g.size, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
