package httpcore

import (
	"context"
	"testing"
	"time"
)

func TestSinkPushNext(t *testing.T) {
	s := NewSink(4)
	buf := NewBuffer([]byte("chunk"))
	if err := s.Push(buf); err != nil {
		t.Fatalf("Push: %v", err)
	}
	s.Complete()

	ctx := context.Background()
	got, ok := s.Next(ctx)
	if !ok {
		t.Fatal("Next should yield the pushed buffer before completion is observed")
	}
	if string(got.Bytes()) != "chunk" {
		t.Fatalf("got %q, want %q", got.Bytes(), "chunk")
	}
	got.Release()

	if _, ok := s.Next(ctx); ok {
		t.Fatal("Next should report completion once drained")
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil after normal completion", err)
	}
}

func TestSinkOverflow(t *testing.T) {
	s := NewSink(1)
	if err := s.Push(NewBuffer([]byte("a"))); err != nil {
		t.Fatalf("first Push: %v", err)
	}
	if err := s.Push(NewBuffer([]byte("b"))); err != ErrOverflow {
		t.Fatalf("second Push = %v, want ErrOverflow", err)
	}
}

func TestSinkError(t *testing.T) {
	s := NewSink(2)
	wantErr := errString("boom")
	s.Error(wantErr)

	if _, ok := s.Next(context.Background()); ok {
		t.Fatal("Next should report completion on an errored sink")
	}
	if s.Err() != wantErr {
		t.Fatalf("Err() = %v, want %v", s.Err(), wantErr)
	}
}

func TestSinkCancelReleasesBuffered(t *testing.T) {
	s := NewSink(4)
	bufs := []*Buffer{NewBuffer([]byte("a")), NewBuffer([]byte("b"))}
	for _, b := range bufs {
		if err := s.Push(b); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	s.Cancel()

	for _, b := range bufs {
		if !b.Released() {
			t.Fatal("Cancel must release every buffer still in the channel")
		}
	}
	if s.Subscribed() {
		t.Fatal("Subscribed should be false after Cancel")
	}
}

func TestSinkNextRespectsContextCancellation(t *testing.T) {
	s := NewSink(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := s.Next(ctx); ok {
		t.Fatal("Next should return once the context is done with nothing pushed")
	}
}

type errString string

func (e errString) Error() string { return string(e) }
