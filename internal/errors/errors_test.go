package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCauseAndCode(t *testing.T) {
	cause := stdErrors.New("disk full")
	err := Wrap(CodeStorageFailure, cause, "写入失败")

	if CodeOf(err) != CodeStorageFailure {
		t.Fatalf("code = %s, want %s", CodeOf(err), CodeStorageFailure)
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("wrapped error should match its cause")
	}
}

func TestIsComparesByCode(t *testing.T) {
	sentinel := New(CodeNotFound, "transfer not found")
	other := New(CodeNotFound, "action not found")

	if !stdErrors.Is(other, sentinel) {
		t.Fatal("errors with the same code should match")
	}
	if stdErrors.Is(New(CodePaused, "paused"), sentinel) {
		t.Fatal("errors with different codes should not match")
	}

	wrapped := fmt.Errorf("outer: %w", other)
	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatal("matching should see through wrapping")
	}
}

func TestRegisteredAttributesDriveBehavior(t *testing.T) {
	err := New(CodeStorageFailure, "boom")
	if !RetryableError(err) {
		t.Fatal("storage failures should be retryable")
	}
	if !ShouldAlert(err) {
		t.Fatal("storage failures should alert")
	}
	if SeverityOf(err) != SeverityCritical {
		t.Fatalf("severity = %s, want %s", SeverityOf(err), SeverityCritical)
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeStorageFailure, "boom",
		WithRetryable(false),
		WithAlert(false),
		WithSeverity(SeverityWarning),
		WithMetadata("table", "transfers"),
	)
	if RetryableError(err) {
		t.Fatal("retryable override ignored")
	}
	if ShouldAlert(err) {
		t.Fatal("alert override ignored")
	}
	if SeverityOf(err) != SeverityWarning {
		t.Fatalf("severity = %s, want %s", SeverityOf(err), SeverityWarning)
	}
	if err.Metadata()["table"] != "transfers" {
		t.Fatalf("metadata lost: %+v", err.Metadata())
	}
}

func TestFromForeignError(t *testing.T) {
	if _, ok := From(stdErrors.New("plain")); ok {
		t.Fatal("plain errors should not convert")
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatal("plain errors should map to the unknown code")
	}
	if CodeOf(nil) != CodeUnknown {
		t.Fatalf("nil error should map to the unknown code, got %s", CodeOf(nil))
	}
}
