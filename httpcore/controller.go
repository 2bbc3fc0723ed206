package httpcore

import "context"

// Controller is the user-facing collaborator that, given an Exchange,
// populates its Response and signals completion (§6 "Controller contract").
// It is external to this package: routing, binding, and dependency
// injection all live upstream of Controller.Handle.
type Controller interface {
	// CreateContext returns a context for handling ex, derived from ctx. It
	// is called once, by AbstractExchange.Start right before Handle; an
	// error from it sends the exchange down the ErrorExchange path.
	CreateContext(ctx context.Context, ex Exchange) (context.Context, error)

	// Handle runs the user's request handling for ex and returns a channel
	// that receives exactly one value: nil on successful completion (the
	// Response has been fully configured and its body set), or a non-nil
	// error that triggers the ErrorExchange path (§4.3 "Started"/"Errored").
	Handle(ctx context.Context, ex Exchange) <-chan error
}

// ControllerFunc adapts a plain handler function to a Controller with a
// no-op CreateContext, for simple cases (mirrors the teacher's preference
// for function-typed handlers, e.g. mcp.ToolHandlerFor).
type ControllerFunc func(ctx context.Context, ex Exchange) error

// CreateContext implements Controller by returning ctx unchanged.
func (f ControllerFunc) CreateContext(ctx context.Context, ex Exchange) (context.Context, error) {
	return ctx, nil
}

// Handle implements Controller by running f in a goroutine and reporting its
// result on the returned channel.
func (f ControllerFunc) Handle(ctx context.Context, ex Exchange) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- f(ctx, ex)
	}()
	return done
}
