package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type HandlerError struct {
	StatusCode int
	Err        error
	// Code is a stable machine readable identifier, e.g "SESSION_CONFLICT".
	Code string
	// Details is serialised alongside the error, if set.
	Details interface{}
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err     string      `json:"error"`
	Code    string      `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{
		Err:     e.Err.Error(),
		Code:    e.Code,
		Details: e.Details,
	}
	b, _ := json.Marshal(je)
	return b
}

// AsHandlerError returns err as a *HandlerError, wrapping it with a 500 if it isn't one already.
func AsHandlerError(err error) *HandlerError {
	var herr *HandlerError
	if errors.As(err, &herr) {
		return herr
	}
	return &HandlerError{
		StatusCode: http.StatusInternalServerError,
		Err:        err,
		Code:       "INTERNAL",
	}
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and SHELLSYNC_DEBUG=1 then the program panics.
// If expr is false and SHELLSYNC_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("held lock has a holder", lock.HolderID != "")
//
// Which then produces:
//
//	assertion failed: held lock has a holder
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("SHELLSYNC_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
