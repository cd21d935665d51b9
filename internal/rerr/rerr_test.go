package rerr

import (
	"errors"
	"testing"
)

func TestNewAndKind(t *testing.T) {
	err := New(KindValidation, "bad input")
	if err.Error() != "bad input" {
		t.Fatalf("unexpected message: %v", err)
	}
	if KindOf(err) != KindValidation {
		t.Fatalf("expected KindValidation, got %v", KindOf(err))
	}
}

func TestWrapIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindIO, "write failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose cause")
	}
	want := "write failed: disk full"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestWrapNilCauseIsPlainNew(t *testing.T) {
	err := Wrap(KindTLS, "no cert", nil)
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error")
	}
	if e.Cause != nil {
		t.Fatalf("expected nil cause")
	}
}

func TestValidationFormats(t *testing.T) {
	err := Validation("port %d out of range", 99999)
	if KindOf(err) != KindValidation {
		t.Fatalf("expected KindValidation")
	}
	want := "port 99999 out of range"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestKindOfDefaultsToIOForPlainErrors(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindIO {
		t.Fatalf("expected KindIO for unclassified error, got %v", got)
	}
}

func TestKindOfNilIsEmpty(t *testing.T) {
	if got := KindOf(nil); got != "" {
		t.Fatalf("expected empty Kind for nil error, got %v", got)
	}
}

func TestLockPoisonedKind(t *testing.T) {
	err := LockPoisoned("ServerContext")
	if KindOf(err) != KindLockPoisoned {
		t.Fatalf("expected KindLockPoisoned, got %v", KindOf(err))
	}
}
