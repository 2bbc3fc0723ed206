package httpcore

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/textproto"
	"testing"
	"time"
)

func buildMultipartBody(t *testing.T, fields map[string]string) (body []byte, boundary string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, value := range fields {
		fw, err := w.CreateFormField(name)
		if err != nil {
			t.Fatalf("CreateFormField: %v", err)
		}
		if _, err := fw.Write([]byte(value)); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return buf.Bytes(), w.Boundary()
}

func sinkFromBytes(data []byte) *Sink {
	s := NewSink(4)
	s.Push(NewBuffer(data))
	s.Complete()
	return s
}

func TestMultipartFormDataBodyDecoderReadsFields(t *testing.T) {
	body, boundary := buildMultipartBody(t, map[string]string{"name": "alice"})
	sink := sinkFromBytes(body)

	dec, err := NewMultipartFormDataBodyDecoder(sink, `multipart/form-data; boundary="`+boundary+`"`, NewServerConfig())
	if err != nil {
		t.Fatalf("NewMultipartFormDataBodyDecoder: %v", err)
	}

	part, err := dec.NextPart(context.Background())
	if err != nil {
		t.Fatalf("NextPart: %v", err)
	}
	if part.FormName != "name" {
		t.Fatalf("FormName = %q, want %q", part.FormName, "name")
	}
	data, err := part.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "alice" {
		t.Fatalf("part data = %q, want %q", data, "alice")
	}

	if _, err := dec.NextPart(context.Background()); err != io.EOF {
		t.Fatalf("second NextPart = %v, want io.EOF", err)
	}
}

func TestMultipartFormDataBodyDecoderRejectsNonMultipart(t *testing.T) {
	sink := sinkFromBytes(nil)
	if _, err := NewMultipartFormDataBodyDecoder(sink, "application/json", NewServerConfig()); err == nil {
		t.Fatal("expected an error for a non-multipart content type")
	}
}

func TestMultipartFormDataBodyDecoderRejectsMissingBoundary(t *testing.T) {
	sink := sinkFromBytes(nil)
	if _, err := NewMultipartFormDataBodyDecoder(sink, "multipart/form-data", NewServerConfig()); err == nil {
		t.Fatal("expected an error when the boundary parameter is missing")
	}
}

func TestLimitedPartReaderEnforcesLimit(t *testing.T) {
	r := &limitedPartReader{r: bytes.NewReader([]byte("abcdef")), remaining: 3, limit: 3}
	buf := make([]byte, 10)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("first Read: %v", err)
	}
	if n != 3 || string(buf[:n]) != "abc" {
		t.Fatalf("Read returned %q, want %q", buf[:n], "abc")
	}
	if _, err := r.Read(buf); err == nil {
		t.Fatal("Read past the configured limit should error")
	}
}

func TestMultipartFormDataBodyDecoderRejectsMissingContentDisposition(t *testing.T) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	pw, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain"}})
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	pw.Write([]byte("x"))
	w.Close()

	sink := sinkFromBytes(buf.Bytes())
	dec, err := NewMultipartFormDataBodyDecoder(sink, `multipart/form-data; boundary="`+w.Boundary()+`"`, NewServerConfig())
	if err != nil {
		t.Fatalf("NewMultipartFormDataBodyDecoder: %v", err)
	}
	if _, err := dec.NextPart(context.Background()); err == nil {
		t.Fatal("expected an error for a part missing Content-Disposition")
	}
}

func TestMultipartFormDataBodyDecoderRejectsFieldlessPart(t *testing.T) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	pw, err := w.CreatePart(textproto.MIMEHeader{"Content-Disposition": {"form-data"}})
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	pw.Write([]byte("x"))
	w.Close()

	sink := sinkFromBytes(buf.Bytes())
	dec, err := NewMultipartFormDataBodyDecoder(sink, `multipart/form-data; boundary="`+w.Boundary()+`"`, NewServerConfig())
	if err != nil {
		t.Fatalf("NewMultipartFormDataBodyDecoder: %v", err)
	}
	if _, err := dec.NextPart(context.Background()); err == nil {
		t.Fatal("expected an error for a part with no field name")
	}
}

func TestMultipartFormDataBodyDecoderRejectsDeepNesting(t *testing.T) {
	// Build a mixed part nested two levels deep inside the outer form-data.
	var inner bytes.Buffer
	iw := multipart.NewWriter(&inner)
	fw, err := iw.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="deep"`},
	})
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	fw.Write([]byte("x"))
	iw.Close()

	var mid bytes.Buffer
	mw := multipart.NewWriter(&mid)
	mixedPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="attachments"`},
		"Content-Type":        {`multipart/mixed; boundary="` + iw.Boundary() + `"`},
	})
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	mixedPart.Write(inner.Bytes())
	mw.Close()

	var outer bytes.Buffer
	ow := multipart.NewWriter(&outer)
	topPart, err := ow.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="attachments"`},
		"Content-Type":        {`multipart/mixed; boundary="` + mw.Boundary() + `"`},
	})
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	topPart.Write(mid.Bytes())
	ow.Close()

	sink := sinkFromBytes(outer.Bytes())
	cfg := NewServerConfig()
	dec, err := NewMultipartFormDataBodyDecoder(sink, `multipart/form-data; boundary="`+ow.Boundary()+`"`, cfg)
	if err != nil {
		t.Fatalf("NewMultipartFormDataBodyDecoder: %v", err)
	}
	top, err := dec.NextPart(context.Background())
	if err != nil {
		t.Fatalf("outer NextPart: %v", err)
	}
	nested, err := top.Nested(cfg)
	if err != nil {
		t.Fatalf("first Nested: %v", err)
	}
	mid1, err := nested.NextPart(context.Background())
	if err != nil {
		t.Fatalf("nested NextPart: %v", err)
	}
	if _, err := mid1.Nested(cfg); err == nil {
		t.Fatal("expected an error nesting multipart/mixed a second level deep")
	}
}

func TestMultipartFormDataBodyDecoderNextPartHonorsCancelledContext(t *testing.T) {
	sink := NewSink(4) // never completed: NextPart would otherwise block forever
	dec, err := NewMultipartFormDataBodyDecoder(sink, `multipart/form-data; boundary="x"`, NewServerConfig())
	if err != nil {
		t.Fatalf("NewMultipartFormDataBodyDecoder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		_, err := dec.NextPart(ctx)
		if err != context.Canceled {
			t.Errorf("NextPart with a pre-cancelled context = %v, want context.Canceled", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NextPart did not observe context cancellation")
	}
}

func TestLimitedPartReaderExactFitIsNotOverflow(t *testing.T) {
	r := &limitedPartReader{r: bytes.NewReader([]byte("abc")), remaining: 3, limit: 3}
	buf := make([]byte, 10)
	n, err := r.Read(buf)
	if err != nil || n != 3 {
		t.Fatalf("Read = (%d, %v), want (3, nil)", n, err)
	}
	if _, err := r.Read(buf); err != io.EOF {
		t.Fatalf("trailing Read at exact fit = %v, want io.EOF", err)
	}
}
