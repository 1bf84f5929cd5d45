// Package audio provides audio container formats and the per-run workspace
// where synthesized narration is written.
package audio

import (
	"errors"
	"fmt"
	"mime"
	"strings"
)

// Format represents supported audio container formats.
type Format string

// Supported formats.
const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatFLAC Format = "flac"
	FormatOGG  Format = "ogg"
)

// Content types.
const (
	contentTypeWAV  = "audio/wav"
	contentTypeMP3  = "audio/mpeg"
	contentTypeFLAC = "audio/flac"
	contentTypeOGG  = "audio/ogg"
)

// Error messages.
const (
	errFmtUnsupportedFormat      = "%w: %q"
	errFmtUnsupportedContentType = "%w: content type %q"
)

// ErrUnsupportedFormat is returned for formats or content types outside the supported set.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// contentTypeAliases maps media types seen in the wild onto a format.
var contentTypeAliases = map[string]Format{
	contentTypeWAV:  FormatWAV,
	"audio/x-wav":   FormatWAV,
	"audio/wave":    FormatWAV,
	contentTypeMP3:  FormatMP3,
	"audio/mp3":     FormatMP3,
	contentTypeFLAC: FormatFLAC,
	"audio/x-flac":  FormatFLAC,
	contentTypeOGG:  FormatOGG,
}

// ParseFormat validates a format name such as "flac" or ".wav".
func ParseFormat(name string) (Format, error) {
	format := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), ".")))

	switch format {
	case FormatWAV, FormatMP3, FormatFLAC, FormatOGG:
		return format, nil
	default:
		return "", fmt.Errorf(errFmtUnsupportedFormat, ErrUnsupportedFormat, name)
	}
}

// FormatForContentType resolves an HTTP Content-Type header to a format.
// Media type parameters such as charset are ignored.
func FormatForContentType(contentType string) (Format, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf(errFmtUnsupportedContentType, ErrUnsupportedFormat, contentType)
	}

	format, ok := contentTypeAliases[strings.ToLower(mediaType)]
	if !ok {
		return "", fmt.Errorf(errFmtUnsupportedContentType, ErrUnsupportedFormat, contentType)
	}

	return format, nil
}

// ContentType returns the canonical media type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatWAV:
		return contentTypeWAV
	case FormatMP3:
		return contentTypeMP3
	case FormatFLAC:
		return contentTypeFLAC
	case FormatOGG:
		return contentTypeOGG
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension including the leading dot.
func (f Format) Extension() string {
	return "." + string(f)
}
