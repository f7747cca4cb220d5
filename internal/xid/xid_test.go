package xid

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := New("sale")
		if !strings.HasPrefix(id, "sale-") {
			t.Fatalf("expected sale- prefix, got %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestReceipt(t *testing.T) {
	at := time.Date(2026, 1, 15, 23, 0, 0, 0, time.UTC)
	if got := Receipt(" t01 ", at, 42); got != "T01-20260115-000042" {
		t.Fatalf("unexpected receipt %q", got)
	}
	if got := Receipt("", at, 1); got != "POS-20260115-000001" {
		t.Fatalf("unexpected receipt %q", got)
	}
}
