package httpapi

import (
	"context"
	"testing"
	"time"
)

func TestJoinContextsCancelsWhenEitherDone(t *testing.T) {
	for _, first := range []string{"base", "req"} {
		base, bc := context.WithCancel(context.Background())
		req, rc := context.WithCancel(context.Background())
		j, cancel := joinContexts(base, req)
		if first == "base" {
			bc()
		} else {
			rc()
		}
		select {
		case <-j.Done():
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("joined context not cancelled after %s", first)
		}
		cancel()
		bc()
		rc()
	}
}

func TestSetBaseContextNilResets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	SetBaseContext(ctx)
	SetBaseContext(nil) //nolint:staticcheck // nil selects Background
	if serverBaseCtx.Err() != nil {
		t.Fatalf("base context not reset")
	}
}

func TestGenerateContextTimeout(t *testing.T) {
	SetInferTimeoutSeconds(-5)
	if inferTimeout != 0 {
		t.Fatalf("negative timeout not normalized: %v", inferTimeout)
	}
	ctx, cancel := generateContext(context.Background())
	if _, ok := ctx.Deadline(); ok {
		t.Fatalf("deadline set without a timeout")
	}
	cancel()
	SetInferTimeoutSeconds(3)
	t.Cleanup(func() { SetInferTimeoutSeconds(0) })
	ctx, cancel = generateContext(context.Background())
	defer cancel()
	if d, ok := ctx.Deadline(); !ok || time.Until(d) > 3*time.Second {
		t.Fatalf("deadline %v %v", d, ok)
	}
}

func TestSetMaxBodyBytes(t *testing.T) {
	t.Cleanup(func() { SetMaxBodyBytes(0) })
	SetMaxBodyBytes(-1)
	if maxBodyBytes != defaultMaxBodyBytes {
		t.Fatalf("expected default, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(1234)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
}
