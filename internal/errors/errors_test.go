package errors

import (
	stderrors "errors"
	"testing"
)

// TestAppErrorMessage tests error string formatting.
func TestAppErrorMessage(t *testing.T) {
	err := New(ErrQueueItemNotFound, "item missing")
	want := "[QUEUE_ITEM_NOT_FOUND] item missing"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

// TestAppErrorWrap tests wrapping and unwrapping.
func TestAppErrorWrap(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(ErrStorageBackend, "write failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected wrapped error to match cause")
	}

	want := "[STORAGE_BACKEND_ERROR] write failed: disk full"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

// TestIs tests code matching.
func TestIs(t *testing.T) {
	err := New(ErrNetworkUnavailable, "offline")

	if !Is(err, ErrNetworkUnavailable) {
		t.Error("expected code match")
	}
	if Is(err, ErrStorageBackend) {
		t.Error("expected code mismatch")
	}
	if Is(stderrors.New("plain"), ErrNetworkUnavailable) {
		t.Error("expected false for non-AppError")
	}
}
