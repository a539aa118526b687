package registry

import (
	"context"
	"testing"
	"time"

	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/internal/substrate"
	"github.com/flowmesh-io/gateway/internal/types"
)

func newTestRegistry() (*Registry, substrate.Substrate) {
	store := substrate.NewMemory()
	log := logging.New("registry-test", "error", "json")
	r := New(store, log, 1000)
	r.heartbeatInterval = 50 * time.Millisecond
	return r, store
}

func testServer(id string) types.Server {
	return types.Server{
		ID:        id,
		Host:      "127.0.0.1",
		Port:      9000,
		Protocol:  "ws",
		Version:   "1.0.0",
		StartedAt: time.Now(),
		Load:      types.ServerLoad{Connections: 10, CPUPercent: 20, MemPercent: 30},
	}
}

func TestRegistry_RegisterAndList(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()

	dereg, err := r.Register(ctx, testServer("node-1"))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer dereg(ctx)

	servers, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(servers) != 1 || servers[0].ID != "node-1" {
		t.Fatalf("expected [node-1], got %+v", servers)
	}
}

func TestRegistry_Deregister(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()

	dereg, err := r.Register(ctx, testServer("node-1"))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := dereg(ctx); err != nil {
		t.Fatalf("deregister failed: %v", err)
	}

	servers, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(servers) != 0 {
		t.Fatalf("expected no servers after deregister, got %+v", servers)
	}
}

func TestRegistry_BestServerPicksLowestScore(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()

	busy := testServer("node-busy")
	busy.Load = types.ServerLoad{Connections: 900, CPUPercent: 90, MemPercent: 90}
	idle := testServer("node-idle")
	idle.Load = types.ServerLoad{Connections: 10, CPUPercent: 5, MemPercent: 5}

	dereg1, _ := r.Register(ctx, busy)
	defer dereg1(ctx)
	dereg2, _ := r.Register(ctx, idle)
	defer dereg2(ctx)

	best, err := r.BestServer(ctx, "org-1")
	if err != nil {
		t.Fatalf("BestServer failed: %v", err)
	}
	if best.ID != "node-idle" {
		t.Fatalf("expected node-idle to win, got %s", best.ID)
	}
}

func TestRegistry_BestServerNoneLive(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()

	_, err := r.BestServer(ctx, "org-1")
	if err == nil {
		t.Fatal("expected error when no servers registered")
	}
}

func TestRegistry_SweepRemovesStaleRecords(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()

	_, err := r.Register(ctx, testServer("node-stale"))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// force the record to look stale by waiting past 3x interval
	time.Sleep(r.heartbeatInterval*staleMultiplier + 20*time.Millisecond)

	removed, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 stale record removed, got %d", removed)
	}

	live, _ := r.Live(ctx)
	if len(live) != 0 {
		t.Fatalf("expected no live servers after sweep, got %+v", live)
	}
}

func TestRegistry_HeartbeatRefreshesRecord(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	r, _ := newTestRegistry()

	server := testServer("node-1")
	dereg, err := r.Register(ctx, server)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer func() {
		bgCtx := context.Background()
		_ = dereg(bgCtx)
	}()

	go r.Heartbeat(ctx, &server, func() int { return 42 })
	<-ctx.Done()

	servers, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(servers))
	}
	if servers[0].Load.Connections != 42 {
		t.Fatalf("expected heartbeat to refresh connections to 42, got %d", servers[0].Load.Connections)
	}
}
