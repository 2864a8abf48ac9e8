package interfaces

import (
	"context"
	"errors"
)

// Converter error classification. Unsupported and corrupt inputs are
// fatal for the owning page; timeouts are retryable.
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrCorruptInput      = errors.New("corrupt input")
	ErrConvertTimeout    = errors.New("conversion timeout")
)

// ConvertMeta describes a conversion result.
type ConvertMeta struct {
	Pages     int    `json:"pages"`
	Words     int    `json:"words"`
	Format    string `json:"format"`
	SizeBytes int64  `json:"size_bytes"`
	Title     string `json:"title,omitempty"`
	Author    string `json:"author,omitempty"`
}

// Converter turns a document into markdown. Deterministic for the same
// input. hintFormat ("pdf", "html", ...) may be empty; implementations
// sniff when it is.
type Converter interface {
	Convert(ctx context.Context, data []byte, hintFormat string) (string, *ConvertMeta, error)
}
