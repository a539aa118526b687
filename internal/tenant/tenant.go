// Package tenant enforces per-frame identity, isolation, rate limits,
// quotas, and audit emission for every gateway client action.
package tenant

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	svcerrors "github.com/flowmesh-io/gateway/infrastructure/errors"
	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/internal/substrate"
	"github.com/flowmesh-io/gateway/internal/types"
)

const (
	// DefaultConnectionWindow is the per-connection sliding window.
	DefaultConnectionWindow = 60 * time.Second
	// DefaultConnectionMax is the default per-connection message budget
	// within DefaultConnectionWindow.
	DefaultConnectionMax = 100
	// DefaultTenantWindow is the per-tenant distributed sliding window.
	DefaultTenantWindow = 60 * time.Second
	// DefaultBurstWindow is the per-tenant burst window.
	DefaultBurstWindow = 10 * time.Second
)

// Action identifies a frame kind subject to permission checks.
type Action string

const (
	ActionPublish     Action = "events:publish"
	ActionSubscribe   Action = "channels:subscribe"
	ActionUnsubscribe Action = "channels:unsubscribe"
)

// Limits configures the enforcement pipeline's windows and ceilings.
type Limits struct {
	ConnectionWindow time.Duration
	ConnectionMax    int
	TenantWindow     time.Duration
	TenantMax        int
	BurstWindow      time.Duration
	BurstMax         int
}

// DefaultLimits returns the spec's stated defaults: 100 msgs/60s per
// connection, burst = ceil(per-minute/6) over a 10s window.
func DefaultLimits() Limits {
	tenantMax := DefaultConnectionMax
	return Limits{
		ConnectionWindow: DefaultConnectionWindow,
		ConnectionMax:    DefaultConnectionMax,
		TenantWindow:     DefaultTenantWindow,
		TenantMax:        tenantMax,
		BurstWindow:      DefaultBurstWindow,
		BurstMax:         int(math.Ceil(float64(tenantMax) / 6)),
	}
}

// Enforcer runs the per-frame enforcement pipeline: identity is assumed
// already verified upstream (see internal/identity) and passed in as a
// types.Identity.
type Enforcer struct {
	store   substrate.Substrate
	log     *logging.Logger
	limits  Limits
	auditFn func(context.Context, types.AuditRecord)

	mu          sync.Mutex
	connLimiter map[string]*rate.Limiter
}

// New constructs an Enforcer backed by store.
func New(store substrate.Substrate, log *logging.Logger, limits Limits) *Enforcer {
	return &Enforcer{
		store:       store,
		log:         log,
		limits:      limits,
		connLimiter: make(map[string]*rate.Limiter),
	}
}

// OnAudit registers a sink invoked for every emitted AuditRecord; when
// unset, audit records are only logged.
func (e *Enforcer) OnAudit(fn func(context.Context, types.AuditRecord)) {
	e.auditFn = fn
}

func (e *Enforcer) audit(ctx context.Context, rec types.AuditRecord) {
	rec.Timestamp = time.Now()
	if e.auditFn != nil {
		e.auditFn(ctx, rec)
	}
	e.log.Info(ctx, "audit record", map[string]interface{}{
		"org_id": rec.OrgID, "actor_id": rec.ActorID, "action": rec.Action, "severity": rec.Severity,
	})
}

// AuthorizeChannel enforces that channel is scoped to the caller's own
// organization, per the `org:{own_org_id}:…` naming rule.
func (e *Enforcer) AuthorizeChannel(ctx context.Context, identity types.Identity, channel string) error {
	prefix := fmt.Sprintf("org:%s:", identity.OrgID)
	if !strings.HasPrefix(channel, prefix) {
		e.audit(ctx, types.AuditRecord{
			OrgID: identity.OrgID, ActorID: identity.UserID, Action: "UNAUTHORIZED_CHANNEL",
			Resource: channel, Severity: types.AuditWarning,
		})
		return svcerrors.Forbidden(fmt.Sprintf("channel %q is not scoped to this organization", channel)).WithOrg(identity.OrgID)
	}
	return nil
}

// AuthorizePermission enforces that identity carries the permission
// required for action.
func (e *Enforcer) AuthorizePermission(ctx context.Context, identity types.Identity, action Action) error {
	if !identity.HasPermission(string(action)) {
		e.audit(ctx, types.AuditRecord{
			OrgID: identity.OrgID, ActorID: identity.UserID, Action: "MISSING_PERMISSION",
			Resource: string(action), Severity: types.AuditWarning,
		})
		return svcerrors.Forbidden(fmt.Sprintf("missing permission %q", action)).WithOrg(identity.OrgID)
	}
	return nil
}

func (e *Enforcer) connectionLimiter(sessionID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.connLimiter[sessionID]
	if !ok {
		perSecond := float64(e.limits.ConnectionMax) / e.limits.ConnectionWindow.Seconds()
		l = rate.NewLimiter(rate.Limit(perSecond), e.limits.ConnectionMax)
		e.connLimiter[sessionID] = l
	}
	return l
}

// DropConnectionLimiter releases the per-connection limiter state for a
// session that has disconnected.
func (e *Enforcer) DropConnectionLimiter(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.connLimiter, sessionID)
}

func windowBucket(window time.Duration) int64 {
	return time.Now().UnixNano() / window.Nanoseconds()
}

// CheckRateLimit enforces the two-layer rate limit: the per-connection
// sliding window first, then the per-tenant distributed sliding window
// plus burst window (burst checked first, being more restrictive). If
// the distributed substrate is unreachable, only the per-connection
// limiter decides and a warning is logged — an intentional fail-open so
// a transient substrate outage does not disconnect every client.
func (e *Enforcer) CheckRateLimit(ctx context.Context, identity types.Identity, sessionID string) error {
	if !e.connectionLimiter(sessionID).Allow() {
		return svcerrors.RateLimited(e.limits.ConnectionMax, e.limits.ConnectionWindow.String(), int(e.limits.ConnectionWindow.Seconds())).WithOrg(identity.OrgID)
	}

	burstKey := fmt.Sprintf("tenant:%s:burst:%d", identity.OrgID, windowBucket(e.limits.BurstWindow))
	burstCount, err := e.store.Incr(ctx, burstKey)
	if err != nil {
		e.log.Warn(ctx, "tenant rate limit substrate unreachable, failing open to per-connection limiter", map[string]interface{}{
			"org_id": identity.OrgID, "error": err.Error(),
		})
		return nil
	}
	if burstCount == 1 {
		_ = e.store.Expire(ctx, burstKey, 2*e.limits.BurstWindow)
	}
	if int(burstCount) > e.limits.BurstMax {
		e.audit(ctx, types.AuditRecord{OrgID: identity.OrgID, ActorID: identity.UserID, Action: "RATE_LIMIT_TRIP", Resource: "burst", Severity: types.AuditWarning})
		return svcerrors.RateLimited(e.limits.BurstMax, e.limits.BurstWindow.String(), int(e.limits.BurstWindow.Seconds())).WithOrg(identity.OrgID)
	}

	tenantKey := fmt.Sprintf("tenant:%s:msgs:%d", identity.OrgID, windowBucket(e.limits.TenantWindow))
	tenantCount, err := e.store.Incr(ctx, tenantKey)
	if err != nil {
		e.log.Warn(ctx, "tenant rate limit substrate unreachable, failing open to per-connection limiter", map[string]interface{}{
			"org_id": identity.OrgID, "error": err.Error(),
		})
		return nil
	}
	if tenantCount == 1 {
		_ = e.store.Expire(ctx, tenantKey, 2*e.limits.TenantWindow)
	}
	if int(tenantCount) > e.limits.TenantMax {
		e.audit(ctx, types.AuditRecord{OrgID: identity.OrgID, ActorID: identity.UserID, Action: "RATE_LIMIT_TRIP", Resource: "window", Severity: types.AuditWarning})
		return svcerrors.RateLimited(e.limits.TenantMax, e.limits.TenantWindow.String(), int(e.limits.TenantWindow.Seconds())).WithOrg(identity.OrgID)
	}
	return nil
}

// CheckQuota increments the org's hourly API-call counter and fails with
// QuotaExceeded once it passes limits.APICallsPerDay. It does not count
// events; the hourly event quota is enforced by eventstream's Append.
func (e *Enforcer) CheckQuota(ctx context.Context, identity types.Identity, limits types.OrgLimits) error {
	hour := time.Now().Truncate(time.Hour).Unix()
	key := fmt.Sprintf("quota:api:%s:%d", identity.OrgID, hour)
	count, err := e.store.Incr(ctx, key)
	if err != nil {
		return svcerrors.Unavailable("quota counter", err).WithOrg(identity.OrgID)
	}
	if count == 1 {
		_ = e.store.Expire(ctx, key, time.Hour)
	}
	if limits.APICallsPerDay > 0 && count > limits.APICallsPerDay {
		e.audit(ctx, types.AuditRecord{OrgID: identity.OrgID, ActorID: identity.UserID, Action: "QUOTA_TRIP", Resource: "api_calls", Severity: types.AuditWarning})
		return svcerrors.QuotaExceeded("api_calls_per_day", limits.APICallsPerDay).WithOrg(identity.OrgID)
	}
	return nil
}

// AuditAction is a convenience for emitting non-enforcement audit
// records (e.g. successful subscribe/unsubscribe/publish).
func (e *Enforcer) AuditAction(ctx context.Context, identity types.Identity, action, resource string) {
	e.audit(ctx, types.AuditRecord{
		OrgID: identity.OrgID, ActorID: identity.UserID, Action: action, Resource: resource, Severity: types.AuditInfo,
	})
}
