package httpcore

// errorControllerHost is implemented by connections that accept a
// user-provided error Controller (§4.3 ErrorExchange.start "run the user
// error handler").
type errorControllerHost interface {
	ErrorController() (Controller, bool)
}

// errorControllerFor returns the error Controller registered on host, if
// any. Connections that don't implement errorControllerHost are treated as
// having none registered, so the generic builtin handler runs directly.
func errorControllerFor(host responder) (Controller, bool) {
	if ech, ok := host.(errorControllerHost); ok {
		return ech.ErrorController()
	}
	return nil, false
}
