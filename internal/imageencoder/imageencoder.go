// Package imageencoder turns caller images into the data URIs the DINO-X API accepts.
package imageencoder

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"strings"

	// TIFF is not sniffed by net/http, so it takes the decode path in encodeRaw.
	_ "golang.org/x/image/tiff"
)

var (
	// ErrEmptySource is returned when a Source carries no image.
	ErrEmptySource = errors.New("imageencoder: empty image source")
	// ErrInvalidImage wraps every failure to encode or decode image data.
	ErrInvalidImage = errors.New("imageencoder: invalid image")
)

// Source is an image in one of three forms: a ready reference (URL or data
// URI), a decoded pixel buffer, or raw encoded file bytes.
type Source struct {
	ref    string
	pixels image.Image
	raw    []byte
}

// FromReference wraps an already-encoded image reference. It is sent as is.
func FromReference(ref string) Source { return Source{ref: ref} }

// FromImage wraps an in-memory pixel buffer. It is JPEG-compressed on encode.
func FromImage(img image.Image) Source { return Source{pixels: img} }

// FromBytes wraps raw encoded image file bytes.
func FromBytes(b []byte) Source { return Source{raw: b} }

// IsZero reports whether the source carries no image.
func (s Source) IsZero() bool {
	return strings.TrimSpace(s.ref) == "" && s.pixels == nil && len(s.raw) == 0
}

// Encode resolves the source into a string the API accepts.
func Encode(src Source) (string, error) {
	switch {
	case strings.TrimSpace(src.ref) != "":
		return src.ref, nil
	case src.pixels != nil:
		return EncodeImage(src.pixels)
	case len(src.raw) > 0:
		return encodeRaw(src.raw)
	default:
		return "", ErrEmptySource
	}
}

// EncodeImage compresses img as JPEG and returns a base64 data URI.
func EncodeImage(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpeg.DefaultQuality}); err != nil {
		return "", fmt.Errorf("%w: jpeg encode: %w", ErrInvalidImage, err)
	}
	return MakeDataURL("image/jpeg", buf.Bytes()), nil
}

func encodeRaw(b []byte) (string, error) {
	if mime := http.DetectContentType(b); strings.HasPrefix(mime, "image/") {
		return MakeDataURL(mime, b), nil
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("%w: decode raw image: %w", ErrInvalidImage, err)
	}
	return EncodeImage(img)
}

// MakeDataURL builds a base64 data URI.
func MakeDataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL decodes a base64 payload, accepting an optional data URI
// prefix. The MIME from the prefix is returned when present.
func DecodeDataURL(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	var mime string
	if strings.HasPrefix(s, "data:") {
		idx := strings.IndexByte(s, ',')
		if idx < 0 {
			return nil, "", fmt.Errorf("%w: malformed data uri", ErrInvalidImage)
		}
		meta := s[len("data:"):idx]
		if semi := strings.IndexByte(meta, ';'); semi >= 0 {
			mime = meta[:semi]
		} else {
			mime = meta
		}
		s = s[idx+1:]
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, mime, nil
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode base64: %w", ErrInvalidImage, err)
	}
	return b, mime, nil
}
