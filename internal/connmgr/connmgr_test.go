package connmgr

import (
	"context"
	"testing"
	"time"

	svcerrors "github.com/flowmesh-io/gateway/infrastructure/errors"
	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/internal/substrate"
	"github.com/flowmesh-io/gateway/internal/types"
)

func newTestManager() (*Manager, substrate.Substrate) {
	store := substrate.NewMemory()
	log := logging.New("connmgr-test", "error", "json")
	return New(store, log), store
}

func testSession(id, serverID string) types.Session {
	return types.Session{
		ID:             id,
		OrgID:          "org-1",
		UserID:         "user-1",
		OwningServerID: serverID,
		SocketID:       "sock-1",
		ClientType:     types.ClientTypeBrowser,
		Channels:       map[string]bool{"org:org-1:general": true},
		CreatedAt:      time.Now(),
	}
}

func TestManager_RegisterAndGet(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	if err := m.RegisterSession(ctx, testSession("sess-1", "node-a")); err != nil {
		t.Fatalf("RegisterSession failed: %v", err)
	}

	sess, err := m.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.OrgID != "org-1" || sess.OwningServerID != "node-a" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if !sess.Channels["org:org-1:general"] {
		t.Fatalf("expected channel membership preserved, got %+v", sess.Channels)
	}
}

func TestManager_ListServerAndOrgSessions(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	_ = m.RegisterSession(ctx, testSession("sess-1", "node-a"))
	_ = m.RegisterSession(ctx, testSession("sess-2", "node-a"))

	serverSessions, err := m.ListServerSessions(ctx, "node-a")
	if err != nil {
		t.Fatalf("ListServerSessions failed: %v", err)
	}
	if len(serverSessions) != 2 {
		t.Fatalf("expected 2 sessions on node-a, got %d", len(serverSessions))
	}

	orgSessions, err := m.ListOrgSessions(ctx, "org-1")
	if err != nil {
		t.Fatalf("ListOrgSessions failed: %v", err)
	}
	if len(orgSessions) != 2 {
		t.Fatalf("expected 2 sessions for org-1, got %d", len(orgSessions))
	}
}

func TestManager_FindUserServer(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	_ = m.RegisterSession(ctx, testSession("sess-1", "node-a"))

	serverID, err := m.FindUserServer(ctx, "user-1")
	if err != nil {
		t.Fatalf("FindUserServer failed: %v", err)
	}
	if serverID != "node-a" {
		t.Fatalf("expected node-a, got %s", serverID)
	}
}

func TestManager_UnregisterSessionCleanDoesNotFireLostCallback(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	fired := false
	m.OnSessionLost(func(context.Context, SessionLostEvent) { fired = true })

	_ = m.RegisterSession(ctx, testSession("sess-1", "node-a"))
	if err := m.UnregisterSession(ctx, "sess-1", ""); err != nil {
		t.Fatalf("UnregisterSession failed: %v", err)
	}
	if fired {
		t.Fatal("expected no lost-session callback for a clean unregister")
	}

	if _, err := m.GetSession(ctx, "sess-1"); svcerrors.GetCode(err) != svcerrors.ErrCodeNotFound {
		t.Fatalf("expected NotFound after unregister, got %v", err)
	}
}

func TestManager_CleanupServerSessionsFiresLostCallback(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	var lost []SessionLostEvent
	m.OnSessionLost(func(_ context.Context, e SessionLostEvent) { lost = append(lost, e) })

	_ = m.RegisterSession(ctx, testSession("sess-1", "node-a"))
	_ = m.RegisterSession(ctx, testSession("sess-2", "node-a"))

	removed, err := m.CleanupServerSessions(ctx, "node-a")
	if err != nil {
		t.Fatalf("CleanupServerSessions failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 sessions removed, got %d", removed)
	}
	if len(lost) != 2 {
		t.Fatalf("expected 2 lost-session events, got %d", len(lost))
	}
	for _, e := range lost {
		if e.Reason != "server_failure" {
			t.Fatalf("expected reason server_failure, got %s", e.Reason)
		}
	}
}

func TestManager_MigrateSessionSucceeds(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	_ = m.RegisterSession(ctx, testSession("sess-1", "node-a"))

	if err := m.MigrateSession(ctx, "sess-1", "node-a", "node-b"); err != nil {
		t.Fatalf("MigrateSession failed: %v", err)
	}

	sess, err := m.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.OwningServerID != "node-b" {
		t.Fatalf("expected owner node-b after migration, got %s", sess.OwningServerID)
	}

	serverASessions, _ := m.ListServerSessions(ctx, "node-a")
	serverBSessions, _ := m.ListServerSessions(ctx, "node-b")
	if len(serverASessions) != 0 || len(serverBSessions) != 1 {
		t.Fatalf("expected session reindexed from node-a to node-b, got a=%v b=%v", serverASessions, serverBSessions)
	}
}

func TestManager_MigrateSessionFailsOnStaleOwner(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	_ = m.RegisterSession(ctx, testSession("sess-1", "node-a"))

	err := m.MigrateSession(ctx, "sess-1", "node-stale-expectation", "node-b")
	if svcerrors.GetCode(err) != svcerrors.ErrCodeConflict {
		t.Fatalf("expected Conflict on CAS mismatch, got %v", err)
	}
}

func TestManager_Heartbeat(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	_ = m.RegisterSession(ctx, testSession("sess-1", "node-a"))
	if err := m.Heartbeat(ctx, "sess-1"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
}

func TestManager_UpdateSessionChannels(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	_ = m.RegisterSession(ctx, testSession("sess-1", "node-a"))
	newChannels := map[string]bool{"org:org-1:alerts": true}
	if err := m.UpdateSessionChannels(ctx, "sess-1", newChannels); err != nil {
		t.Fatalf("UpdateSessionChannels failed: %v", err)
	}

	sess, err := m.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !sess.Channels["org:org-1:alerts"] || sess.Channels["org:org-1:general"] {
		t.Fatalf("expected channel set replaced, got %+v", sess.Channels)
	}
}
