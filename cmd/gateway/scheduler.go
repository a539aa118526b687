package main

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/internal/connmgr"
	"github.com/flowmesh-io/gateway/internal/registry"
)

// startMaintenanceScheduler runs the cluster housekeeping jobs that don't
// fit a plain fixed-interval ticker: releasing sessions owned by a node
// whose heartbeat has gone stale, then sweeping the stale registry
// record itself. Any live node in the cluster may run this; the
// registry and session operations it drives are idempotent.
func startMaintenanceScheduler(reg *registry.Registry, cm *connmgr.Manager, log *logging.Logger) *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc("@every 30s", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		reconcileStaleServers(ctx, reg, cm, log)
	})
	if err != nil {
		log.Warn(context.Background(), "failed to schedule maintenance job", map[string]interface{}{"error": err.Error()})
	}
	c.Start()
	return c
}

// reconcileStaleServers finds servers whose heartbeat has gone stale,
// releases the sessions they owned so clients can reconnect elsewhere,
// and removes the stale registry records.
func reconcileStaleServers(ctx context.Context, reg *registry.Registry, cm *connmgr.Manager, log *logging.Logger) {
	all, err := reg.List(ctx)
	if err != nil {
		log.Warn(ctx, "maintenance: list servers failed", map[string]interface{}{"error": err.Error()})
		return
	}
	live, err := reg.Live(ctx)
	if err != nil {
		log.Warn(ctx, "maintenance: list live servers failed", map[string]interface{}{"error": err.Error()})
		return
	}
	liveIDs := make(map[string]bool, len(live))
	for _, s := range live {
		liveIDs[s.ID] = true
	}

	for _, s := range all {
		if liveIDs[s.ID] {
			continue
		}
		released, err := cm.CleanupServerSessions(ctx, s.ID)
		if err != nil {
			log.Warn(ctx, "maintenance: session cleanup failed", map[string]interface{}{"server_id": s.ID, "error": err.Error()})
			continue
		}
		if released > 0 {
			log.Info(ctx, "released sessions from stale server", map[string]interface{}{"server_id": s.ID, "count": released})
		}
	}

	removed, err := reg.Sweep(ctx)
	if err != nil {
		log.Warn(ctx, "maintenance: registry sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if removed > 0 {
		log.Info(ctx, "swept stale registry records", map[string]interface{}{"count": removed})
	}
}
