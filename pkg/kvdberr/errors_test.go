package kvdberr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesOnCode(t *testing.T) {
	wrapped := Wrap(CodeNotFound, KindNotFound, "key missing", fmt.Errorf("underlying"))

	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatal("expected wrapped NOT_FOUND error to match ErrNotFound sentinel")
	}
	if errors.Is(wrapped, ErrAlreadyExists) {
		t.Fatal("did not expect NOT_FOUND error to match ALREADY_EXISTS sentinel")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(CodeNoMemory, KindResource, "allocate failed", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the original cause")
	}
}

func TestIsHelper(t *testing.T) {
	err := New(CodeStale, KindState, "view reclaimed")
	if !Is(err, CodeStale) {
		t.Fatal("expected Is to report CodeStale")
	}
	if Is(err, CodeBusy) {
		t.Fatal("did not expect Is to report CodeBusy")
	}
}

func TestErrorMessageFormat(t *testing.T) {
	withCause := Wrap(CodeInternal, KindIO, "write failed", fmt.Errorf("boom"))
	if got := withCause.Error(); got == "" {
		t.Fatal("expected non-empty error message")
	}
}
