package logging

import (
	"errors"
	"testing"
)

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                     "",
		"short":                "***",
		"abcde12345fghij67890": "abcde...67890",
	}
	for in, want := range cases {
		if got := MaskSecret(in); got != want {
			t.Fatalf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewOperationErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := NewOperationError("dinox.submit", "task-1", base)
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to match base")
	}
	if got := err.Error(); got != "dinox.submit (request_id=task-1): boom" {
		t.Fatalf("unexpected message: %s", got)
	}
	if NewOperationError("noop", "", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestOperationOfReturnsOutermost(t *testing.T) {
	inner := NewOperationError("dinox.poll", "task-1", errors.New("timeout"))
	outer := NewOperationError("usecase.detect", "req-1", inner)
	if got := OperationOf(outer); got != "usecase.detect" {
		t.Fatalf("unexpected operation: %s", got)
	}
	if got := OperationOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty operation, got %s", got)
	}
}
