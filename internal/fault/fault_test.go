package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodesMapToStatuses(t *testing.T) {
	cases := []struct {
		err    *Error
		code   string
		status int
	}{
		{Unauthorized(""), CodeUnauthorized, http.StatusUnauthorized},
		{Forbidden(""), CodeForbidden, http.StatusForbidden},
		{NotFound(""), CodeNotFound, http.StatusNotFound},
		{InvalidRequest(""), CodeInvalidRequest, http.StatusBadRequest},
		{InvalidAction(""), CodeInvalidAction, http.StatusBadRequest},
		{AlreadyActed(""), CodeAlreadyActed, http.StatusBadRequest},
		{Conflict(""), CodeConflict, http.StatusConflict},
	}
	for _, tc := range cases {
		if tc.err.Code != tc.code || tc.err.Status != tc.status {
			t.Fatalf("unexpected mapping: %+v", tc.err)
		}
		if tc.err.Message == "" {
			t.Fatalf("expected default message for %s", tc.code)
		}
	}
}

func TestFromUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", Conflict("tick mismatch"))
	fe := From(wrapped)
	if fe.Code != CodeConflict {
		t.Fatalf("expected CONFLICT, got %+v", fe)
	}

	fe = From(errors.New("disk on fire"))
	if fe.Code != CodeInternal || fe.Status != http.StatusInternalServerError {
		t.Fatalf("expected internal fallback, got %+v", fe)
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", AlreadyActed(""))
	if !Is(err, CodeAlreadyActed) {
		t.Fatal("expected code match through wrapping")
	}
	if Is(err, CodeConflict) {
		t.Fatal("unexpected code match")
	}
	if Is(errors.New("plain"), CodeConflict) {
		t.Fatal("plain errors carry no code")
	}
}
