// Package json wraps the encoding used for all JSON produced and consumed by
// httpcore's default codec, so the rest of the package never imports
// encoding/json directly.
package json

import (
	"io"

	segmentjson "github.com/segmentio/encoding/json"
)

// Marshal encodes v using the faster segmentio/encoding implementation.
func Marshal(v any) ([]byte, error) {
	return segmentjson.Marshal(v)
}

// Unmarshal decodes data into v using the faster segmentio/encoding implementation.
func Unmarshal(data []byte, v any) error {
	return segmentjson.Unmarshal(data, v)
}

// NewEncoder returns a streaming encoder writing to w.
func NewEncoder(w io.Writer) *segmentjson.Encoder {
	return segmentjson.NewEncoder(w)
}

// NewDecoder returns a streaming decoder reading from r.
func NewDecoder(r io.Reader) *segmentjson.Decoder {
	return segmentjson.NewDecoder(r)
}
