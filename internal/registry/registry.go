// Package registry maintains the live directory of gateway nodes: each
// node registers itself with periodic heartbeats carrying its current
// load, other nodes discover live peers, and a best-node selector picks
// a target for new connections.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	svcerrors "github.com/flowmesh-io/gateway/infrastructure/errors"
	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/internal/substrate"
	"github.com/flowmesh-io/gateway/internal/types"
)

const (
	// DefaultHeartbeatInterval is how often a node refreshes its record.
	DefaultHeartbeatInterval = 5 * time.Second
	// staleMultiplier is how many missed heartbeats mark a node dead.
	staleMultiplier = 3

	registryKeyPrefix = "server:"
	registryIndexKey  = "servers:index"
)

// Registry tracks gateway node identity and load over the substrate.
type Registry struct {
	store             substrate.Substrate
	log               *logging.Logger
	heartbeatInterval time.Duration
	maxConnections    int
}

// New constructs a Registry backed by store.
func New(store substrate.Substrate, log *logging.Logger, maxConnections int) *Registry {
	return &Registry{
		store:             store,
		log:               log,
		heartbeatInterval: DefaultHeartbeatInterval,
		maxConnections:    maxConnections,
	}
}

func (r *Registry) key(serverID string) string {
	return registryKeyPrefix + serverID
}

// Register writes a node's initial record and returns a function that
// must be called exactly once, on shutdown, to deregister it explicitly.
// Other nodes tolerate a missing deregister via TTL expiry on the record.
func (r *Registry) Register(ctx context.Context, server types.Server) (func(context.Context) error, error) {
	if err := r.writeRecord(ctx, server); err != nil {
		return nil, err
	}
	if err := r.store.SAdd(ctx, registryIndexKey, server.ID); err != nil {
		return nil, svcerrors.Unavailable("server registry index", err)
	}
	dereg := func(ctx context.Context) error {
		_ = r.store.SRem(ctx, registryIndexKey, server.ID)
		return r.store.Delete(ctx, r.key(server.ID))
	}
	return dereg, nil
}

func (r *Registry) writeRecord(ctx context.Context, server types.Server) error {
	fields := map[string]string{
		"id":             server.ID,
		"host":           server.Host,
		"port":           strconv.Itoa(server.Port),
		"protocol":       server.Protocol,
		"version":        server.Version,
		"started_at":     server.StartedAt.Format(time.RFC3339Nano),
		"last_heartbeat": time.Now().Format(time.RFC3339Nano),
		"connections":    strconv.Itoa(server.Load.Connections),
		"cpu_percent":    fmt.Sprintf("%f", server.Load.CPUPercent),
		"mem_percent":    fmt.Sprintf("%f", server.Load.MemPercent),
	}
	ttl := r.heartbeatInterval * staleMultiplier
	if err := r.store.HSet(ctx, r.key(server.ID), fields, ttl); err != nil {
		return svcerrors.Unavailable("server registry record", err)
	}
	return nil
}

// SampleLoad reads live CPU and memory utilization for this process's host.
func SampleLoad(ctx context.Context, connections int) types.ServerLoad {
	load := types.ServerLoad{Connections: connections}
	if percentages, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percentages) > 0 {
		load.CPUPercent = percentages[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		load.MemPercent = vm.UsedPercent
	}
	return load
}

// Heartbeat runs until ctx is canceled, refreshing the node's record
// every interval with a fresh load sample. Call the returned deregister
// function from Register after Heartbeat returns.
func (r *Registry) Heartbeat(ctx context.Context, server *types.Server, connections func() int) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.Load = SampleLoad(ctx, connections())
			server.LastHeartbeat = time.Now()
			if err := r.writeRecord(ctx, *server); err != nil {
				r.log.Warn(ctx, "heartbeat refresh failed", map[string]interface{}{"server_id": server.ID, "error": err.Error()})
			}
		}
	}
}

func parseServer(fields map[string]string) types.Server {
	port, _ := strconv.Atoi(fields["port"])
	connections, _ := strconv.Atoi(fields["connections"])
	cpuPct, _ := strconv.ParseFloat(fields["cpu_percent"], 64)
	memPct, _ := strconv.ParseFloat(fields["mem_percent"], 64)
	startedAt, _ := time.Parse(time.RFC3339Nano, fields["started_at"])
	lastHeartbeat, _ := time.Parse(time.RFC3339Nano, fields["last_heartbeat"])
	return types.Server{
		ID:            fields["id"],
		Host:          fields["host"],
		Port:          port,
		Protocol:      fields["protocol"],
		Version:       fields["version"],
		StartedAt:     startedAt,
		LastHeartbeat: lastHeartbeat,
		Load: types.ServerLoad{
			Connections: connections,
			CPUPercent:  cpuPct,
			MemPercent:  memPct,
		},
	}
}

// List returns every server record currently indexed, live or stale.
func (r *Registry) List(ctx context.Context) ([]types.Server, error) {
	ids, err := r.store.SMembers(ctx, registryIndexKey)
	if err != nil {
		return nil, svcerrors.Unavailable("server registry index", err)
	}
	servers := make([]types.Server, 0, len(ids))
	for _, id := range ids {
		fields, err := r.store.HGetAll(ctx, r.key(id))
		if err == substrate.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, svcerrors.Unavailable("server registry record", err)
		}
		servers = append(servers, parseServer(fields))
	}
	return servers, nil
}

// Live filters List to servers whose heartbeat is within the stale
// threshold.
func (r *Registry) Live(ctx context.Context) ([]types.Server, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	threshold := time.Now().Add(-r.heartbeatInterval * staleMultiplier)
	live := make([]types.Server, 0, len(all))
	for _, s := range all {
		if s.LastHeartbeat.After(threshold) {
			live = append(live, s)
		}
	}
	return live, nil
}

// Sweep removes index entries and records for nodes whose heartbeat has
// gone stale beyond 3x the heartbeat interval, including index entries
// whose record has already expired through its TTL. Intended to run
// periodically in the background on any one node (idempotent).
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	ids, err := r.store.SMembers(ctx, registryIndexKey)
	if err != nil {
		return 0, svcerrors.Unavailable("server registry index", err)
	}
	threshold := time.Now().Add(-r.heartbeatInterval * staleMultiplier)
	removed := 0
	for _, id := range ids {
		fields, err := r.store.HGetAll(ctx, r.key(id))
		if err != nil && err != substrate.ErrNotFound {
			return removed, svcerrors.Unavailable("server registry record", err)
		}
		if err == nil && !parseServer(fields).LastHeartbeat.Before(threshold) {
			continue
		}
		_ = r.store.SRem(ctx, registryIndexKey, id)
		_ = r.store.Delete(ctx, r.key(id))
		removed++
		r.log.Info(ctx, "removed stale server record", map[string]interface{}{"server_id": id})
	}
	return removed, nil
}

// BestServer returns the live node minimizing the weighted load score,
// breaking ties by earliest started_at. org_id is accepted so future
// policies can prefer sticky affinity; the current policy ignores it.
func (r *Registry) BestServer(ctx context.Context, orgID string) (types.Server, error) {
	live, err := r.Live(ctx)
	if err != nil {
		return types.Server{}, err
	}
	if len(live) == 0 {
		return types.Server{}, svcerrors.Unavailable("no live gateway nodes", nil).WithOrg(orgID)
	}
	sort.Slice(live, func(i, j int) bool {
		si, sj := live[i].Load.Score(r.maxConnections), live[j].Load.Score(r.maxConnections)
		if si != sj {
			return si < sj
		}
		return live[i].StartedAt.Before(live[j].StartedAt)
	})
	return live[0], nil
}
