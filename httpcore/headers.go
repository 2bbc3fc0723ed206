package httpcore

import "strings"

// headerField is one name/value pair in an ordered multimap.
type headerField struct {
	name  string
	value string
}

// Headers is an ordered multimap of HTTP header fields. The wire-level
// codec (HPACK for HTTP/2, a line parser for HTTP/1.x) is an external
// collaborator (§1); Headers is the in-memory shape it deposits values into
// and that WireFramer/Codec read back out of.
type Headers struct {
	fields []headerField
}

// NewHeaders returns an empty Headers multimap.
func NewHeaders() *Headers {
	return &Headers{}
}

// Add appends a value for name, preserving any existing values.
func (h *Headers) Add(name, value string) *Headers {
	h.fields = append(h.fields, headerField{name: name, value: value})
	return h
}

// Set replaces all values for name with a single value.
func (h *Headers) Set(name, value string) *Headers {
	h.Del(name)
	return h.Add(name, value)
}

// Get returns the first value for name, or "".
func (h *Headers) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			return f.value
		}
	}
	return ""
}

// Values returns all values for name, in insertion order.
func (h *Headers) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			out = append(out, f.value)
		}
	}
	return out
}

// Has reports whether name has at least one value.
func (h *Headers) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			return true
		}
	}
	return false
}

// Del removes all values for name.
func (h *Headers) Del(name string) *Headers {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.name, name) {
			out = append(out, f)
		}
	}
	h.fields = out
	return h
}

// Each calls fn for every field, in insertion order.
func (h *Headers) Each(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.name, f.value)
	}
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	out := &Headers{fields: make([]headerField, len(h.fields))}
	copy(out.fields, h.fields)
	return out
}

// Len returns the number of fields (counting repeated names separately).
func (h *Headers) Len() int { return len(h.fields) }

// ContentType is a semantic accessor over the Content-Type header.
func (h *Headers) ContentType() string { return h.Get("Content-Type") }

// ContentLength is a semantic accessor over the Content-Length header; ok is
// false if the header is absent or unparsable.
func (h *Headers) ContentLength() (n int64, ok bool) {
	v := h.Get("Content-Length")
	if v == "" {
		return 0, false
	}
	var parsed int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, false
		}
		parsed = parsed*10 + int64(c-'0')
	}
	return parsed, true
}
