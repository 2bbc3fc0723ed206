package json

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	want := widget{Name: "bolt", Count: 3}
	data, err := Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got widget
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	var got widget
	if err := Unmarshal([]byte("{not json"), &got); err == nil {
		t.Fatal("Unmarshal of malformed input should return an error")
	}
}

func TestEncoderDecoderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(widget{Name: "nut", Count: 7}); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var got widget
	if err := NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := widget{Name: "nut", Count: 7}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
