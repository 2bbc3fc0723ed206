package httpcore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	internaljson "github.com/inverno-io/inverno-mods-sub007/httpcore/internal/json"
)

// Codec is the pluggable media-type encoder/decoder used by Request/Response
// bodies and multipart parts (§6 "Codec contract"). It is an external API:
// httpcore ships JSONCodec as a usable default, but any Codec implementation
// can be registered with a Controller.
type Codec interface {
	// MediaTypes lists the media types this codec can handle, e.g.
	// "application/json".
	MediaTypes() []string
	// Encode writes v, marshaled for mediaType, to a reader the caller can
	// stream into a ResponseBody.
	Encode(ctx context.Context, mediaType string, v any) (io.Reader, error)
	// Decode reads from r and unmarshals mediaType-encoded bytes into v.
	Decode(ctx context.Context, mediaType string, r io.Reader, v any) error
}

// CodecRegistry dispatches to a set of Codecs by media type, falling back to
// JSONCodec for "application/json" if no other codec claims it.
type CodecRegistry struct {
	codecs []Codec
	byType map[string]Codec
}

// NewCodecRegistry builds a registry from the given codecs, later entries
// taking priority over earlier ones for an overlapping media type.
func NewCodecRegistry(codecs ...Codec) *CodecRegistry {
	r := &CodecRegistry{byType: make(map[string]Codec)}
	r.codecs = append(r.codecs, JSONCodec{})
	r.codecs = append(r.codecs, codecs...)
	for _, c := range r.codecs {
		for _, mt := range c.MediaTypes() {
			r.byType[mt] = c
		}
	}
	return r
}

// For returns the codec registered for mediaType, or false.
func (r *CodecRegistry) For(mediaType string) (Codec, bool) {
	c, ok := r.byType[mediaType]
	return c, ok
}

// JSONCodec is the default Codec, backed by segmentio/encoding/json (the
// teacher module's declared-but-unexercised direct dependency; see
// DESIGN.md).
type JSONCodec struct{}

// MediaTypes implements Codec.
func (JSONCodec) MediaTypes() []string {
	return []string{"application/json", "application/json; charset=utf-8"}
}

// Encode implements Codec.
func (JSONCodec) Encode(ctx context.Context, mediaType string, v any) (io.Reader, error) {
	data, err := internaljson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("httpcore: json encode: %w", err)
	}
	return bytes.NewReader(data), nil
}

// Decode implements Codec.
func (JSONCodec) Decode(ctx context.Context, mediaType string, r io.Reader, v any) error {
	dec := internaljson.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("httpcore: json decode: %w", err)
	}
	return nil
}
