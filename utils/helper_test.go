package utils

import "testing"

func TestDereferencePtr(t *testing.T) {
	var id *int
	if got := DereferencePtr(id); got != 0 {
		t.Fatalf("expected zero value for nil pointer, got %d", got)
	}
	if got := DereferencePtr(id, 42); got != 42 {
		t.Fatalf("expected fallback 42 for nil pointer, got %d", got)
	}
	v := 7
	if got := DereferencePtr(&v); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestNilIfEmpty(t *testing.T) {
	if got := NilIfEmpty(""); got != nil {
		t.Fatalf("expected nil for empty string, got %v", got)
	}
	got := NilIfEmpty("boom")
	if got == nil || *got != "boom" {
		t.Fatalf("expected pointer to value, got %v", got)
	}
}
