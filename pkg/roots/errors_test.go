package roots

import (
	"errors"
	"fmt"
	"testing"
)

func TestFormatError(t *testing.T) {
	cause := fmt.Errorf("bad block at 0x4000")
	err := error(&FormatError{Stage: "erase", Err: cause})

	if !errors.Is(err, ErrFormatFailed) {
		t.Error("FormatError does not match ErrFormatFailed")
	}
	if !errors.Is(err, cause) {
		t.Error("FormatError does not unwrap to its cause")
	}

	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatal("errors.As failed for FormatError")
	}
	if fe.Stage != "erase" {
		t.Errorf("stage = %q, want erase", fe.Stage)
	}

	// Wrapping preserves both matches.
	wrapped := fmt.Errorf("BOOT:: %w", err)
	if !errors.Is(wrapped, ErrFormatFailed) {
		t.Error("wrapped FormatError does not match ErrFormatFailed")
	}
	if !errors.As(wrapped, &fe) {
		t.Error("errors.As failed for wrapped FormatError")
	}
}
