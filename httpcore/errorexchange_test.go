package httpcore

import (
	"context"
	"testing"
)

type errorControllerResponder struct {
	fakeResponder
	ctrl Controller
	ok   bool
}

func (h *errorControllerResponder) ErrorController() (Controller, bool) { return h.ctrl, h.ok }

func TestErrorControllerForNoHost(t *testing.T) {
	if _, ok := errorControllerFor(fakeResponder{}); ok {
		t.Fatal("a responder that does not implement errorControllerHost should report no error controller")
	}
}

func TestErrorControllerForNoneRegistered(t *testing.T) {
	host := &errorControllerResponder{ok: false}
	if _, ok := errorControllerFor(host); ok {
		t.Fatal("errorControllerFor should report false when the host declares no error controller")
	}
}

func TestErrorControllerForWithRegisteredHandler(t *testing.T) {
	marker := ControllerFunc(func(ctx context.Context, ex Exchange) error { return nil })
	host := &errorControllerResponder{ctrl: marker, ok: true}

	got, ok := errorControllerFor(host)
	if !ok {
		t.Fatal("errorControllerFor should report true when the host declares an error controller")
	}
	if got == nil {
		t.Fatal("errorControllerFor should return the registered controller")
	}
}
