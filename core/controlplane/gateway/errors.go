package gateway

import (
	"errors"
	"fmt"
	"net/http"

	perrors "github.com/pingcap/errors"
)

// Kind is the client-visible class of a gateway failure.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindBadRequest
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error is returned by Service operations.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err != nil:
		return e.Err.Error()
	case e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Status maps the kind to an HTTP status code. Timeouts are server errors.
func (e *Error) Status() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Body is the response text. Server errors carry the cause with its stack.
func (e *Error) Body() string {
	switch e.Kind {
	case KindNotFound, KindBadRequest:
		return e.Error()
	case KindTimeout:
		if e.Err != nil {
			return e.Msg + "\n" + e.Err.Error()
		}
		return e.Msg
	default:
		if e.Err == nil {
			return e.Msg
		}
		return fmt.Sprintf("%s\n%+v", e.Msg, e.Err)
	}
}

func notFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func badRequestf(format string, args ...any) error {
	return &Error{Kind: KindBadRequest, Msg: fmt.Sprintf(format, args...)}
}

func internal(msg string, err error) error {
	return &Error{Kind: KindInternal, Msg: msg, Err: perrors.Trace(err)}
}

func timeout(msg string, err error) error {
	return &Error{Kind: KindTimeout, Msg: msg, Err: err}
}

// asError converts any error into a gateway Error, defaulting to internal.
func asError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindInternal, Msg: "internal error", Err: perrors.Trace(err)}
}

// KindOf reports the gateway kind of err.
func KindOf(err error) Kind {
	return asError(err).Kind
}

func writeError(w http.ResponseWriter, err error) {
	ge := asError(err)
	http.Error(w, ge.Body(), ge.Status())
}
