package context

import (
	"context"
	"testing"
)

func TestRunID(t *testing.T) {
	ctx := context.Background()
	if got := GetRunID(ctx); got != "" {
		t.Errorf("GetRunID(empty) = %q", got)
	}

	ctx = WithRunID(ctx, "run-1")
	if got := GetRunID(ctx); got != "run-1" {
		t.Errorf("GetRunID() = %q, want run-1", got)
	}

	ctx = WithRunID(ctx, "run-2")
	if got := GetRunID(ctx); got != "run-2" {
		t.Errorf("GetRunID() after override = %q, want run-2", got)
	}
}
