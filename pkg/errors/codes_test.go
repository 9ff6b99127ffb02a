package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestVigilError_Error(t *testing.T) {
	err := New(ErrCodeConfigInvalid, "Startup", "invalid config file", nil)
	expected := "[1001] Startup: invalid config file"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}

	cause := errors.New("file not found")
	errWithCause := New(ErrCodeConfigInvalid, "Startup", "invalid config file", cause)
	expectedWithCause := "[1001] Startup: invalid config file (cause: file not found)"
	if errWithCause.Error() != expectedWithCause {
		t.Errorf("Expected %q, got %q", expectedWithCause, errWithCause.Error())
	}
}

func TestVigilError_Unwrap(t *testing.T) {
	cause := errors.New("address already in use")
	err := New(ErrCodeSocketBindFailed, "Acquire", "127.0.0.1:80", cause)

	if errors.Unwrap(err) != cause {
		t.Errorf("Expected cause %v, got %v", cause, errors.Unwrap(err))
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}

	errNoCause := New(ErrCodeConfigInvalid, "Startup", "invalid config file", nil)
	if errors.Unwrap(errNoCause) != nil {
		t.Errorf("Expected nil cause, got %v", errors.Unwrap(errNoCause))
	}
}

func TestHasCode(t *testing.T) {
	err := New(ErrCodeUpgradeInProgress, "Upgrade", "web", nil)
	wrapped := fmt.Errorf("control: %w", err)

	if !HasCode(wrapped, ErrCodeUpgradeInProgress) {
		t.Error("HasCode should see through wrapping")
	}
	if HasCode(wrapped, ErrCodeSocketBindFailed) {
		t.Error("HasCode matched the wrong code")
	}
	if HasCode(nil, ErrCodeUpgradeInProgress) {
		t.Error("HasCode(nil) should be false")
	}
	if CodeOf(wrapped) != ErrCodeUpgradeInProgress {
		t.Errorf("CodeOf = %d", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != ErrCodeUnknown {
		t.Error("CodeOf plain error should be unknown")
	}
}

func TestVigilError_Fields(t *testing.T) {
	err := New(ErrCodeAckRejected, "Ack", "pid 12 is not in the new generation", nil).(*VigilError)
	if err.Code != ErrCodeAckRejected {
		t.Errorf("Expected code %v, got %v", ErrCodeAckRejected, err.Code)
	}
	if err.Operation != "Ack" {
		t.Errorf("Expected operation %q, got %q", "Ack", err.Operation)
	}
}
