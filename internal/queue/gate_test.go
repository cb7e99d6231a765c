package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTurnGate(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	g := NewTurnGate(rdb, time.Minute)

	token, err := g.Acquire(ctx, "c1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := g.Acquire(ctx, "c1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second submission must be rejected, got %v", err)
	}
	if _, err := g.Acquire(ctx, "c2"); err != nil {
		t.Fatalf("other conversations are independent: %v", err)
	}

	if err := g.Release(ctx, "c1", "stale-token"); err != nil {
		t.Fatalf("release stale: %v", err)
	}
	if busy, _ := g.Busy(ctx, "c1"); !busy {
		t.Fatalf("a stale token must not release the gate")
	}
	if err := g.Release(ctx, "c1", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if busy, _ := g.Busy(ctx, "c1"); busy {
		t.Fatalf("gate should be free after release")
	}

	if _, err := g.Acquire(ctx, "c3"); err != nil {
		t.Fatalf("acquire c3: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := g.Acquire(ctx, "c3"); err != nil {
		t.Fatalf("gate should expire with its ttl: %v", err)
	}
}

func TestCancelBusAcrossReplicas(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()

	runner := NewCancelBus(rdb, "", zerolog.Nop())
	api := NewCancelBus(rdb, "", zerolog.Nop())

	sub, err := runner.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	go runner.Serve(ctx, sub)

	turnCtx, cancelTurn := context.WithCancel(context.Background())
	defer cancelTurn()
	unregister := runner.Register("c1", cancelTurn)
	defer unregister()

	if err := api.Stop(ctx, "c1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-turnCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("turn was not cancelled by the remote stop")
	}
}

func TestCancelBusRegisterReplace(t *testing.T) {
	b := NewCancelBus(nil, "", zerolog.Nop())

	oldCtx, oldCancel := context.WithCancel(context.Background())
	defer oldCancel()
	unregisterOld := b.Register("c1", oldCancel)

	newCtx, newCancel := context.WithCancel(context.Background())
	defer newCancel()
	unregisterNew := b.Register("c1", newCancel)
	defer unregisterNew()

	unregisterOld()
	if err := b.Stop(context.Background(), "c1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if newCtx.Err() == nil {
		t.Fatalf("newest registration should be cancelled")
	}
	if oldCtx.Err() != nil {
		t.Fatalf("replaced registration should not be cancelled")
	}
}
