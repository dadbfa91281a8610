// Package media stores inbound attachments under opaque references.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/Ananth-NQI/wabot/internal/models"
)

var (
	ErrNotFound   = errors.New("media not found")
	ErrTooLarge   = fmt.Errorf("attachment exceeds %d bytes", models.MaxAttachmentLen)
	ErrInvalidRef = errors.New("invalid media reference")
)

// Store keeps attachment bytes. Delete of a missing reference succeeds.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	URL(ctx context.Context, ref string) (string, error)
	Delete(ctx context.Context, ref string) error
}

var refPattern = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}(\.[a-z0-9]{1,5})?$`)

// ValidRef reports whether ref was produced by NewRef.
func ValidRef(ref string) bool {
	return refPattern.MatchString(ref)
}

// NewRef returns a time-ordered reference with an extension for contentType.
func NewRef(contentType string) string {
	return ulid.Make().String() + extensionFor(contentType)
}

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"audio/amr":       ".amr",
	"video/mp4":       ".mp4",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

func extensionFor(contentType string) string {
	ct, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), ";")
	if ext, ok := extensions[strings.TrimSpace(ct)]; ok {
		return ext
	}
	return ".bin"
}

// KindFor maps a MIME type onto the message kind it is logged as.
func KindFor(contentType string) models.MessageKind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return models.KindImage
	case strings.HasPrefix(ct, "audio/"):
		return models.KindAudio
	case strings.HasPrefix(ct, "application/"), strings.HasPrefix(ct, "text/"):
		return models.KindDocument
	default:
		return models.KindUnsupported
	}
}

func checkSize(data []byte) error {
	if len(data) > models.MaxAttachmentLen {
		return ErrTooLarge
	}
	return nil
}
