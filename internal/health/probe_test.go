package health

import (
	"context"
	"errors"
	"testing"
)

func TestFixed(t *testing.T) {
	if err := Fixed(true, "ignored").Check(context.Background()); err != nil {
		t.Fatalf("ok probe: %v", err)
	}
	if err := Fixed(false, "policy store empty").Check(context.Background()); err == nil || err.Error() != "policy store empty" {
		t.Fatalf("err = %v", err)
	}
	if err := Fixed(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("default reason err = %v", err)
	}
}

func TestAll(t *testing.T) {
	first := errors.New("first")
	calledAfter := false
	p := All(
		nil,
		Fixed(true, ""),
		CheckFunc(func(context.Context) error { return first }),
		CheckFunc(func(context.Context) error { calledAfter = true; return nil }),
	)
	if err := p.Check(context.Background()); !errors.Is(err, first) {
		t.Fatalf("err = %v, want first", err)
	}
	if calledAfter {
		t.Fatal("All did not short-circuit")
	}
	if err := All().Check(context.Background()); err != nil {
		t.Fatalf("empty All: %v", err)
	}
}

func TestAny(t *testing.T) {
	if err := Any(Fixed(false, "a"), Fixed(true, "")).Check(context.Background()); err != nil {
		t.Fatalf("one passing: %v", err)
	}
	err := Any(Fixed(false, "a"), Fixed(false, "b")).Check(context.Background())
	if err == nil || err.Error() != "b" {
		t.Fatalf("all failing err = %v, want last", err)
	}
	if err := Any(nil).Check(context.Background()); err == nil {
		t.Fatal("only nil probes should fail")
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()

	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("initially: %v", err)
	}
	g.Set("shutting down")
	if err := p.Check(context.Background()); err == nil || err.Error() != "shutting down" {
		t.Fatalf("after Set: %v", err)
	}
	g.Set("")
	if err := p.Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("empty reason: %v", err)
	}
	g.Clear()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("after Clear: %v", err)
	}
}
