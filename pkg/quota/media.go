package quota

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var allowedMediaFamilies = []string{"image/", "video/", "audio/"}

// MediaType is a normalized MIME type accepted for uploads.
type MediaType struct {
	value string
}

// NewMediaType validates a declared content type against the known MIME tree.
// Parameters are dropped and aliases resolve to the canonical name.
func NewMediaType(raw string) (MediaType, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MediaType{}, fmt.Errorf("%w: empty value", ErrInvalidMediaType)
	}
	base, _, err := mime.ParseMediaType(trimmed)
	if err != nil {
		return MediaType{}, fmt.Errorf("%w: %v", ErrInvalidMediaType, err)
	}
	known := mimetype.Lookup(base)
	if known == nil {
		return MediaType{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMediaType, base)
	}
	canonical, _, err := mime.ParseMediaType(known.String())
	if err != nil {
		canonical = base
	}
	if !isAllowedMediaFamily(canonical) {
		return MediaType{}, fmt.Errorf("%w: %q is not media", ErrInvalidMediaType, canonical)
	}
	return MediaType{value: canonical}, nil
}

// String returns the canonical MIME type.
func (mediaType MediaType) String() string {
	return mediaType.value
}

// Extension returns the conventional file extension, empty when unknown.
func (mediaType MediaType) Extension() string {
	known := mimetype.Lookup(mediaType.value)
	if known == nil {
		return ""
	}
	return known.Extension()
}

func isAllowedMediaFamily(value string) bool {
	for _, prefix := range allowedMediaFamilies {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
