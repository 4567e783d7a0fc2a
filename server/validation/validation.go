// Package validation decides whether a whole-file upload is accepted.
package validation

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/docker/go-units"
)

var (
	// ErrUnsupportedContentType is returned for media types outside of the allowlist.
	ErrUnsupportedContentType = errors.New("unsupported content type")
	// ErrFileTooLarge is returned when a file exceeds the ceiling of its category.
	ErrFileTooLarge = errors.New("file too large")
)

// Category groups media types sharing a size ceiling.
type Category int

const (
	// CategoryUnknown is any media type outside the allowlist.
	CategoryUnknown Category = iota
	// CategoryImage covers the allowed image types.
	CategoryImage
	// CategoryVideo covers the allowed video types.
	CategoryVideo
)

var allowed = map[string]Category{
	"image/jpeg":      CategoryImage,
	"image/png":       CategoryImage,
	"image/webp":      CategoryImage,
	"image/heic":      CategoryImage,
	"video/mp4":       CategoryVideo,
	"video/quicktime": CategoryVideo,
	"video/webm":      CategoryVideo,
}

// Rules holds the per-category size ceilings in bytes.
type Rules struct {
	MaxImageSize int64
	MaxVideoSize int64
}

// DefaultRules accepts images up to 30MiB and videos up to 512MiB.
func DefaultRules() Rules {
	return Rules{
		MaxImageSize: 30 * units.MiB,
		MaxVideoSize: 512 * units.MiB,
	}
}

// CategoryOf returns the category of contentType, ignoring parameters.
func CategoryOf(contentType string) Category {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
	}
	return allowed[strings.ToLower(strings.TrimSpace(mediaType))]
}

// ValidateFile checks a file's declared content type and size.
func (r Rules) ValidateFile(contentType string, size int64) error {
	var limit int64
	switch CategoryOf(contentType) {
	case CategoryImage:
		limit = r.MaxImageSize
	case CategoryVideo:
		limit = r.MaxVideoSize
	default:
		return transfer.NewError(transfer.KindInvalidInput, "validate file", fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType))
	}

	if limit > 0 && size > limit {
		return transfer.NewError(transfer.KindInvalidInput, "validate file",
			fmt.Errorf("%w: %s exceeds %s", ErrFileTooLarge, units.HumanSize(float64(size)), units.HumanSize(float64(limit))))
	}

	return nil
}
