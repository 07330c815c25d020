// Package clipboard defines the single unit of data the daemon stores: a
// content-typed byte blob with a creation timestamp, plus the validation
// rules a Set request must satisfy before it is allowed to replace the
// stored value.
package clipboard

import (
	"fmt"
	"unicode/utf8"
)

// Content types accepted on the wire. Any other value is invalid_request.
const (
	TextPlain = "text/plain; charset=utf-8"
	ImagePNG  = "image/png"
)

// Value is the single clipboard item the daemon holds.
type Value struct {
	ContentType string
	Data        []byte
	CreatedAt   int64 // milliseconds since UNIX epoch; advisory only
}

// Meta is the metadata projection returned by PeekMeta.
type Meta struct {
	ContentType string `json:"content_type"`
	Size        uint64 `json:"size"`
	CreatedAt   int64  `json:"created_at"`
}

// Meta projects v's metadata without copying its data.
func (v Value) Meta() Meta {
	return Meta{
		ContentType: v.ContentType,
		Size:        uint64(len(v.Data)),
		CreatedAt:   v.CreatedAt,
	}
}

// Clone returns a deep copy of v so callers can hand out values without
// holding the daemon's lock across the copy's lifetime.
func (v Value) Clone() Value {
	data := make([]byte, len(v.Data))
	copy(data, v.Data)
	return Value{ContentType: v.ContentType, Data: data, CreatedAt: v.CreatedAt}
}

// ValidationError is the reason a Set request was rejected. Kind identifies
// which protocol.ErrorCode the caller should translate this into; daemon and
// protocol packages are kept decoupled by not importing protocol.ErrorCode
// here directly.
type ValidationError struct {
	Kind    string // "invalid_request" | "payload_too_large" | "invalid_utf8"
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validate checks v against the content-type whitelist, the max size bound,
// and (for text) UTF-8 validity, in the order spec'd: first failure wins.
func Validate(v Value, maxSize uint64) error {
	switch v.ContentType {
	case TextPlain, ImagePNG:
	default:
		return &ValidationError{Kind: "invalid_request", Message: "invalid content type"}
	}

	if uint64(len(v.Data)) > maxSize {
		return &ValidationError{
			Kind:    "payload_too_large",
			Message: fmt.Sprintf("payload of %d bytes exceeds max size %d", len(v.Data), maxSize),
		}
	}

	if v.ContentType == TextPlain && !utf8.Valid(v.Data) {
		return &ValidationError{Kind: "invalid_utf8", Message: "text value is not valid UTF-8"}
	}

	return nil
}
