package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"polyflow/config"
	"polyflow/models"
)

type fakeSource struct {
	mu        sync.Mutex
	snapshots [][]models.Instrument
	err       error
	calls     int
}

func (f *fakeSource) Poll(ctx context.Context) ([]models.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.snapshots) == 0 {
		return nil, nil
	}
	snap := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}
	return snap, nil
}

type fakeCommander struct {
	mu          sync.Mutex
	subscribed  [][]string
	unsubscribe [][]string
	order       []string
}

func (f *fakeCommander) Subscribe(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, ids)
	f.order = append(f.order, "subscribe")
}

func (f *fakeCommander) Unsubscribe(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribe = append(f.unsubscribe, ids)
	f.order = append(f.order, "unsubscribe")
}

func engineConfig() *config.Config {
	return &config.Config{
		Discovery: config.DiscoveryConfig{Interval: time.Hour},
	}
}

func TestReconcileEmitsRemovalsBeforeAdditions(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)

	set := NewSet()
	set.Apply([]models.Instrument{inst("a", models.Bucket5m, future)}, now)

	src := &fakeSource{snapshots: [][]models.Instrument{{inst("b", models.Bucket15m, future)}}}
	cmd := &fakeCommander{}
	e := NewEngine(engineConfig(), set, src, cmd)
	e.ctx = context.Background()

	e.reconcile(now)

	if len(cmd.order) != 2 || cmd.order[0] != "unsubscribe" || cmd.order[1] != "subscribe" {
		t.Fatalf("unexpected command order: %v", cmd.order)
	}
	if len(cmd.unsubscribe) != 1 || cmd.unsubscribe[0][0] != "a" {
		t.Fatalf("unexpected unsubscribe: %v", cmd.unsubscribe)
	}
	if len(cmd.subscribed) != 1 || cmd.subscribed[0][0] != "b" {
		t.Fatalf("unexpected subscribe: %v", cmd.subscribed)
	}
}

func TestReconcilePollFailureKeepsSet(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)

	set := NewSet()
	set.Apply([]models.Instrument{inst("a", models.Bucket5m, future)}, now)

	src := &fakeSource{err: fmt.Errorf("catalog unavailable")}
	cmd := &fakeCommander{}
	e := NewEngine(engineConfig(), set, src, cmd)
	e.ctx = context.Background()

	e.reconcile(now)

	if set.Len() != 1 {
		t.Fatalf("set should be preserved on poll failure, has %d", set.Len())
	}
	if len(cmd.subscribed) != 0 || len(cmd.unsubscribe) != 0 {
		t.Fatalf("no commands expected on poll failure: %+v", cmd)
	}
}

func TestReconcilePollFailureStillPrunesExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	set := NewSet()
	set.Apply([]models.Instrument{inst("a", models.Bucket5m, now.Add(time.Minute))}, now)

	src := &fakeSource{err: fmt.Errorf("catalog unavailable")}
	cmd := &fakeCommander{}
	e := NewEngine(engineConfig(), set, src, cmd)
	e.ctx = context.Background()

	e.reconcile(now.Add(5 * time.Minute))

	if set.Len() != 0 {
		t.Fatalf("expired instrument should be pruned, set has %d", set.Len())
	}
	if len(cmd.unsubscribe) != 1 || cmd.unsubscribe[0][0] != "a" {
		t.Fatalf("unexpected unsubscribe: %v", cmd.unsubscribe)
	}
}

func TestEngineStartStop(t *testing.T) {
	set := NewSet()
	src := &fakeSource{}
	cmd := &fakeCommander{}
	e := NewEngine(engineConfig(), set, src, cmd)

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Start(ctx); err == nil {
		t.Fatal("expected error on second start")
	}
	cancel()
	e.Stop()

	src.mu.Lock()
	calls := src.calls
	src.mu.Unlock()
	if calls < 1 {
		t.Fatal("expected an immediate poll on start")
	}
}
