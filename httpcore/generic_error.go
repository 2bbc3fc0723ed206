package httpcore

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// genericErrorExchangeHandler is the builtin last-resort fallback (§4.4),
// modeled as a free function over an ErrorExchange rather than a global
// static singleton (§9 "Global static singleton" resolution:
// GenericErrorExchangeHandler.INSTANCE → free function with no state).
//
// Given an ErrorExchange with an existing error (ex.cause):
//   - if response headers are already written, it returns
//     ErrHeaderAlreadyWritten so the caller shuts the connection down;
//   - if the error is an HTTPError, it sets status and any status-specific
//     header (Allow for 405, Retry-After for 503) with an empty body;
//   - else it maps to 400 (a decode/argument-shaped error) or 500, with an
//     empty body.
func genericErrorExchangeHandler(ex *AbstractExchange) error {
	resp := ex.Response()
	if resp.Headers().Written() {
		return ErrHeaderAlreadyWritten
	}

	status := http.StatusInternalServerError
	var he HTTPError
	if errors.As(ex.cause, &he) {
		status = he.StatusCode()
		switch status {
		case http.StatusMethodNotAllowed:
			if allowed := AllowedMethods(ex.cause); len(allowed) > 0 {
				resp.Headers().Set("Allow", strings.Join(allowed, ", "))
			}
		case http.StatusServiceUnavailable:
			if d, ok := RetryAfter(ex.cause); ok {
				resp.Headers().Set("Retry-After", formatRetryAfter(d))
			}
		}
	} else if isArgumentError(ex.cause) {
		status = http.StatusBadRequest
	}

	if err := resp.Headers().SetStatus(status); err != nil {
		return err
	}
	resp.Body().Empty()
	return nil
}

// isArgumentError reports whether err is shaped like the source's
// IllegalArgumentException: a ProtocolError not already carrying its own
// status (client supplied malformed input the framer or a decoder
// rejected).
func isArgumentError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// formatRetryAfter renders a duration as an integer seconds count, the
// common wire form for Retry-After; falling back to an RFC 5322 date-time
// (§4.4) is left to callers that hold a concrete deadline rather than a
// duration.
func formatRetryAfter(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// FormatRetryAfterDate renders an absolute retry deadline as an RFC 5322
// date-time, for callers that have a concrete "retry at" timestamp rather
// than a relative duration (§4.4).
func FormatRetryAfterDate(at time.Time) string {
	return at.UTC().Format(http.TimeFormat)
}
