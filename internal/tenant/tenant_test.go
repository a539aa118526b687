package tenant

import (
	"context"
	"testing"
	"time"

	svcerrors "github.com/flowmesh-io/gateway/infrastructure/errors"
	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/internal/substrate"
	"github.com/flowmesh-io/gateway/internal/types"
)

func newTestEnforcer(limits Limits) *Enforcer {
	store := substrate.NewMemory()
	log := logging.New("tenant-test", "error", "json")
	return New(store, log, limits)
}

func testIdentity() types.Identity {
	return types.Identity{OrgID: "org-42", UserID: "user-1", Permissions: []string{string(ActionPublish), string(ActionSubscribe)}}
}

func TestEnforcer_AuthorizeChannelAllowsOwnOrg(t *testing.T) {
	ctx := context.Background()
	e := newTestEnforcer(DefaultLimits())

	if err := e.AuthorizeChannel(ctx, testIdentity(), "org:org-42:chat"); err != nil {
		t.Fatalf("expected own-org channel to be authorized, got %v", err)
	}
}

func TestEnforcer_AuthorizeChannelRejectsCrossTenant(t *testing.T) {
	ctx := context.Background()
	e := newTestEnforcer(DefaultLimits())
	var audited []types.AuditRecord
	e.OnAudit(func(_ context.Context, r types.AuditRecord) { audited = append(audited, r) })

	err := e.AuthorizeChannel(ctx, testIdentity(), "org:org-43:chat")
	if svcerrors.GetCode(err) != svcerrors.ErrCodeForbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	if len(audited) != 1 || audited[0].Action != "UNAUTHORIZED_CHANNEL" {
		t.Fatalf("expected one UNAUTHORIZED_CHANNEL audit record, got %+v", audited)
	}
}

func TestEnforcer_AuthorizePermissionRejectsMissing(t *testing.T) {
	ctx := context.Background()
	e := newTestEnforcer(DefaultLimits())

	identity := testIdentity()
	identity.Permissions = nil
	err := e.AuthorizePermission(ctx, identity, ActionPublish)
	if svcerrors.GetCode(err) != svcerrors.ErrCodeForbidden {
		t.Fatalf("expected Forbidden for missing permission, got %v", err)
	}
}

func TestEnforcer_ConnectionRateLimitTrips(t *testing.T) {
	ctx := context.Background()
	limits := DefaultLimits()
	limits.ConnectionMax = 2
	limits.ConnectionWindow = time.Minute
	e := newTestEnforcer(limits)
	identity := testIdentity()

	for i := 0; i < 2; i++ {
		if err := e.CheckRateLimit(ctx, identity, "sess-1"); err != nil {
			t.Fatalf("expected request %d to pass, got %v", i, err)
		}
	}
	err := e.CheckRateLimit(ctx, identity, "sess-1")
	if svcerrors.GetCode(err) != svcerrors.ErrCodeRateLimited {
		t.Fatalf("expected RateLimited on 3rd request, got %v", err)
	}
}

func TestEnforcer_TenantBurstTrips(t *testing.T) {
	ctx := context.Background()
	limits := DefaultLimits()
	limits.ConnectionMax = 1000
	limits.BurstMax = 2
	e := newTestEnforcer(limits)
	identity := testIdentity()

	for i := 0; i < 2; i++ {
		if err := e.CheckRateLimit(ctx, identity, "sess-1"); err != nil {
			t.Fatalf("expected request %d to pass, got %v", i, err)
		}
	}
	err := e.CheckRateLimit(ctx, identity, "sess-1")
	if svcerrors.GetCode(err) != svcerrors.ErrCodeRateLimited {
		t.Fatalf("expected RateLimited on burst overflow, got %v", err)
	}
}

func TestEnforcer_QuotaTrips(t *testing.T) {
	ctx := context.Background()
	e := newTestEnforcer(DefaultLimits())
	identity := testIdentity()
	limits := types.OrgLimits{APICallsPerDay: 2}

	for i := 0; i < 2; i++ {
		if err := e.CheckQuota(ctx, identity, limits); err != nil {
			t.Fatalf("expected quota check %d to pass, got %v", i, err)
		}
	}
	err := e.CheckQuota(ctx, identity, limits)
	if svcerrors.GetCode(err) != svcerrors.ErrCodeQuotaExceeded {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}
}

func TestEnforcer_DropConnectionLimiterResetsState(t *testing.T) {
	ctx := context.Background()
	limits := DefaultLimits()
	limits.ConnectionMax = 1
	limits.ConnectionWindow = time.Minute
	e := newTestEnforcer(limits)
	identity := testIdentity()

	if err := e.CheckRateLimit(ctx, identity, "sess-1"); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	e.DropConnectionLimiter("sess-1")
	if err := e.CheckRateLimit(ctx, identity, "sess-1"); err != nil {
		t.Fatalf("expected fresh limiter to allow request after drop, got %v", err)
	}
}
