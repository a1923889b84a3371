package dkim

import (
	"context"
	"fmt"
	"testing"
)

func TestTraceNoCtx(t *testing.T) {
	// Call trace() on a context without a trace function, to check it doesn't
	// panic.
	ctx := context.Background()
	trace(ctx, "test")
}

func TestTrace(t *testing.T) {
	s := ""
	traceF := func(f string, a ...interface{}) {
		s = fmt.Sprintf(f, a...)
	}
	ctx := WithTraceFunc(context.Background(), traceF)
	trace(ctx, "test %d", 1)
	if s != "test 1" {
		t.Errorf("trace function not called")
	}
}

func TestMaxHeaders(t *testing.T) {
	// First without an override, check we return the default.
	ctx := context.Background()
	if m := maxHeaders(ctx); m != 5 {
		t.Errorf("expected 5, got %d", m)
	}

	// Now with an override.
	ctx = WithMaxHeaders(ctx, 10)
	if m := maxHeaders(ctx); m != 10 {
		t.Errorf("expected 10, got %d", m)
	}
}
