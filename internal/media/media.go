// Package media prepares composed post images for upload: it validates, downsizes and
// re-encodes them into the local media cache.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	// Register decoders for the accepted upload formats.
	_ "image/gif"
	_ "image/png"

	"feedsync/internal/config"
	"feedsync/internal/models"

	"github.com/chai2010/webp"
	"github.com/google/uuid"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

const (
	DefaultCacheDir     = "/tmp/feedsync/media-cache"
	DefaultMaxDimension = 1440
	DefaultQuality      = 82
	DefaultMaxUploadMB  = 10
	FormatJPEG          = "jpeg"
	FormatWebP          = "webp"
)

// Input is one image attached to a composed post.
type Input struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Preparer resizes and re-encodes images into the media cache directory.
type Preparer struct {
	dir          string
	maxDimension int
	quality      int
	format       string
	maxBytes     int64
}

// NewPreparer builds a Preparer from configuration, falling back to defaults.
func NewPreparer(cfg *config.Config) *Preparer {
	p := &Preparer{
		dir:          DefaultCacheDir,
		maxDimension: DefaultMaxDimension,
		quality:      DefaultQuality,
		format:       FormatJPEG,
		maxBytes:     DefaultMaxUploadMB * 1024 * 1024,
	}
	if cfg == nil {
		return p
	}
	if cfg.MediaCacheDir != "" {
		p.dir = cfg.MediaCacheDir
	}
	if cfg.MediaMaxDimension > 0 {
		p.maxDimension = cfg.MediaMaxDimension
	}
	if cfg.MediaQuality > 0 {
		p.quality = cfg.MediaQuality
	}
	if strings.EqualFold(cfg.MediaFormat, FormatWebP) {
		p.format = FormatWebP
	}
	if cfg.MediaMaxUploadMB > 0 {
		p.maxBytes = int64(cfg.MediaMaxUploadMB) * 1024 * 1024
	}
	return p
}

// Prepare processes every input and returns the cached file paths in input order. On
// failure, files already written are removed.
func (p *Preparer) Prepare(ctx context.Context, inputs []Input) ([]string, error) {
	paths := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			Cleanup(paths)
			return nil, err
		}
		path, err := p.prepareOne(in)
		if err != nil {
			Cleanup(paths)
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// mimeByFormat maps image.Decode format names to the accepted MIME types.
var mimeByFormat = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

func (p *Preparer) prepareOne(in Input) (string, error) {
	if len(in.Content) == 0 {
		return "", models.NewValidationError("Empty image file")
	}
	if int64(len(in.Content)) > p.maxBytes {
		return "", models.NewValidationError(fmt.Sprintf("File too large (max %dMB)", p.maxBytes/(1024*1024)))
	}
	if !acceptedMIME(http.DetectContentType(in.Content)) {
		return "", models.NewValidationError("Invalid image type")
	}

	decoded, format, err := image.Decode(bytes.NewReader(in.Content))
	if err != nil {
		return "", models.NewValidationError("Invalid image file")
	}
	if declared := baseMIME(in.ContentType); strings.HasPrefix(declared, "image/") && declared != mimeByFormat[format] {
		return "", models.NewValidationError("Image content type mismatch")
	}

	var (
		buf bytes.Buffer
		ext string
	)
	resized := fitWithin(decoded, p.maxDimension)
	if p.format == FormatWebP {
		ext = ".webp"
		err = webp.Encode(&buf, resized, &webp.Options{Quality: float32(p.quality)})
	} else {
		ext = ".jpg"
		err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: p.quality})
	}
	if err != nil {
		return "", models.NewInternalError(err)
	}

	if err := os.MkdirAll(p.dir, 0o750); err != nil {
		return "", models.NewInternalError(err)
	}
	path := filepath.Join(p.dir, uuid.New().String()+ext)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return "", models.NewInternalError(err)
	}
	return path, nil
}

// Cleanup removes cached files, ignoring ones already gone.
func Cleanup(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// fitWithin scales src down so neither side exceeds limit, keeping the aspect ratio.
func fitWithin(src image.Image, limit int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 || (w <= limit && h <= limit) {
		return src
	}

	scale := min(float64(limit)/float64(w), float64(limit)/float64(h))
	dst := image.NewRGBA(image.Rect(0, 0, max(int(float64(w)*scale), 1), max(int(float64(h)*scale), 1)))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)
	return dst
}

// baseMIME lowercases a Content-Type and strips its parameters. image/jpg is folded
// into image/jpeg.
func baseMIME(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = contentType
	}
	mt = strings.ToLower(strings.TrimSpace(mt))
	if mt == "image/jpg" {
		return "image/jpeg"
	}
	return mt
}

func acceptedMIME(contentType string) bool {
	mt := baseMIME(contentType)
	for _, accepted := range mimeByFormat {
		if mt == accepted {
			return true
		}
	}
	return false
}
