package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"testing"
)

func TestAssertion(t *testing.T) {
	os.Setenv("SHELLSYNC_DEBUG", "1")
	shouldPanic := true
	shouldNotPanic := false

	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldPanic, func() {
		Assert("false panics", false)
	})

	os.Setenv("SHELLSYNC_DEBUG", "0")
	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldNotPanic, func() {
		Assert("false does not panic if SHELLSYNC_DEBUG is not 1", false)
	})
}

func TestHandlerErrorJSON(t *testing.T) {
	herr := &HandlerError{
		StatusCode: http.StatusConflict,
		Err:        fmt.Errorf("session exists"),
		Code:       "SESSION_CONFLICT",
		Details:    map[string]string{"sessionCode": "ABCDEF"},
	}
	var got map[string]interface{}
	if err := json.Unmarshal(herr.JSON(), &got); err != nil {
		t.Fatalf("JSON() produced invalid json: %s", err)
	}
	if got["error"] != "session exists" || got["code"] != "SESSION_CONFLICT" {
		t.Errorf("unexpected body: %v", got)
	}
	details, ok := got["details"].(map[string]interface{})
	if !ok || details["sessionCode"] != "ABCDEF" {
		t.Errorf("details not serialised: %v", got)
	}
}

func TestAsHandlerError(t *testing.T) {
	plain := errors.New("boom")
	herr := AsHandlerError(plain)
	if herr.StatusCode != http.StatusInternalServerError {
		t.Errorf("plain errors should map to 500, got %d", herr.StatusCode)
	}
	if !errors.Is(herr, plain) {
		t.Errorf("wrapped handler error should unwrap to the original")
	}
	wrapped := fmt.Errorf("outer: %w", &HandlerError{StatusCode: 404, Err: plain})
	if got := AsHandlerError(wrapped).StatusCode; got != 404 {
		t.Errorf("existing handler error lost: got status %d", got)
	}
}

func try(t *testing.T, shouldPanic bool, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		err := recover()
		if err != nil {
			if shouldPanic {
				return
			}
			t.Fatalf("panic: %s", err)
		} else {
			if shouldPanic {
				t.Fatalf("function did not panic")
			}
		}
	}()
	fn()
}
