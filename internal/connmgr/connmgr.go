// Package connmgr tracks every live client session cluster-wide, so any
// gateway node can locate any other node's connections, migrate
// ownership of a session, and clean up after a node failure.
package connmgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	svcerrors "github.com/flowmesh-io/gateway/infrastructure/errors"
	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/internal/substrate"
	"github.com/flowmesh-io/gateway/internal/types"
)

// DefaultSessionTTL is how long a session record survives without a heartbeat.
const DefaultSessionTTL = 5 * time.Minute

// SessionLostEvent is emitted to the configured sink when a session is
// found dead, either via explicit unregister or cleanup after a node
// failure.
type SessionLostEvent struct {
	SessionID string
	OrgID     string
	UserID    string
	Reason    string
}

// Manager is the cluster-wide connection manager.
type Manager struct {
	store      substrate.Substrate
	log        *logging.Logger
	sessionTTL time.Duration
	onLost     func(context.Context, SessionLostEvent)
}

// New constructs a Manager backed by store.
func New(store substrate.Substrate, log *logging.Logger) *Manager {
	return &Manager{store: store, log: log, sessionTTL: DefaultSessionTTL}
}

// OnSessionLost registers a callback invoked whenever a session is
// removed because its owning node died or it was explicitly unregistered
// due to failure (not a clean unregister).
func (m *Manager) OnSessionLost(fn func(context.Context, SessionLostEvent)) {
	m.onLost = fn
}

func sessionKey(id string) string       { return "session:" + id }
func serverSessionsKey(id string) string { return "server:" + id + ":sessions" }
func orgSessionsKey(id string) string    { return "org:" + id + ":sessions" }
func userServerKey(id string) string     { return "user:" + id + ":server" }

func channelsToString(channels map[string]bool) string {
	names := make([]string, 0, len(channels))
	for c, joined := range channels {
		if joined {
			names = append(names, c)
		}
	}
	return strings.Join(names, ",")
}

func stringToChannels(s string) map[string]bool {
	out := make(map[string]bool)
	if s == "" {
		return out
	}
	for _, c := range strings.Split(s, ",") {
		out[c] = true
	}
	return out
}

// RegisterSession writes a new session's record and indexes it under
// its owning server and organization.
func (m *Manager) RegisterSession(ctx context.Context, sess types.Session) error {
	fields := map[string]string{
		"id":               sess.ID,
		"org_id":           sess.OrgID,
		"user_id":          sess.UserID,
		"owning_server_id": sess.OwningServerID,
		"socket_id":        sess.SocketID,
		"client_type":      string(sess.ClientType),
		"channels":         channelsToString(sess.Channels),
		"created_at":       sess.CreatedAt.Format(time.RFC3339Nano),
		"last_heartbeat":   time.Now().Format(time.RFC3339Nano),
	}
	if err := m.store.HSet(ctx, sessionKey(sess.ID), fields, m.sessionTTL); err != nil {
		return svcerrors.Unavailable("session record", err).WithOrg(sess.OrgID)
	}
	if err := m.store.SAdd(ctx, serverSessionsKey(sess.OwningServerID), sess.ID); err != nil {
		return svcerrors.Unavailable("server session index", err).WithOrg(sess.OrgID)
	}
	if err := m.store.SAdd(ctx, orgSessionsKey(sess.OrgID), sess.ID); err != nil {
		return svcerrors.Unavailable("org session index", err).WithOrg(sess.OrgID)
	}
	if err := m.store.Set(ctx, userServerKey(sess.UserID), sess.OwningServerID, m.sessionTTL); err != nil {
		return svcerrors.Unavailable("user server index", err).WithOrg(sess.OrgID)
	}
	if err := m.seedOwner(ctx, sess.ID, sess.OwningServerID); err != nil {
		return svcerrors.Unavailable("session owner key", err).WithOrg(sess.OrgID)
	}
	return nil
}

func parseSession(fields map[string]string) types.Session {
	createdAt, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
	lastHeartbeat, _ := time.Parse(time.RFC3339Nano, fields["last_heartbeat"])
	return types.Session{
		ID:             fields["id"],
		OrgID:          fields["org_id"],
		UserID:         fields["user_id"],
		OwningServerID: fields["owning_server_id"],
		SocketID:       fields["socket_id"],
		ClientType:     types.ClientType(fields["client_type"]),
		Channels:       stringToChannels(fields["channels"]),
		CreatedAt:      createdAt,
		LastHeartbeat:  lastHeartbeat,
	}
}

// GetSession returns the current record for sessionID.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (types.Session, error) {
	fields, err := m.store.HGetAll(ctx, sessionKey(sessionID))
	if err == substrate.ErrNotFound {
		return types.Session{}, svcerrors.NotFound("session", sessionID)
	}
	if err != nil {
		return types.Session{}, svcerrors.Unavailable("session record", err)
	}
	return parseSession(fields), nil
}

// UpdateSessionChannels overwrites a session's joined-channel set.
func (m *Manager) UpdateSessionChannels(ctx context.Context, sessionID string, channels map[string]bool) error {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.Channels = channels
	return m.store.HSet(ctx, sessionKey(sessionID), map[string]string{
		"channels": channelsToString(channels),
	}, m.sessionTTL)
}

// Heartbeat refreshes a session's TTL and last-heartbeat timestamp.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) error {
	if err := m.store.HSet(ctx, sessionKey(sessionID), map[string]string{
		"last_heartbeat": time.Now().Format(time.RFC3339Nano),
	}, m.sessionTTL); err != nil {
		return svcerrors.Unavailable("session heartbeat", err)
	}
	return m.store.Expire(ctx, sessionKey(sessionID), m.sessionTTL)
}

// UnregisterSession removes a session's record and indexes, notifying
// the lost-session sink if reason is non-empty (an empty reason removes
// the session without reporting it as "lost").
func (m *Manager) UnregisterSession(ctx context.Context, sessionID, reason string) error {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	_ = m.store.SRem(ctx, serverSessionsKey(sess.OwningServerID), sessionID)
	_ = m.store.SRem(ctx, orgSessionsKey(sess.OrgID), sessionID)
	if err := m.store.Delete(ctx, sessionKey(sessionID)); err != nil {
		return svcerrors.Unavailable("session record", err).WithOrg(sess.OrgID)
	}
	_ = m.store.Delete(ctx, sessionKey(sessionID)+":owner")
	if reason != "" && m.onLost != nil {
		m.onLost(ctx, SessionLostEvent{SessionID: sessionID, OrgID: sess.OrgID, UserID: sess.UserID, Reason: reason})
	}
	return nil
}

// ListServerSessions returns every session id owned by serverID.
func (m *Manager) ListServerSessions(ctx context.Context, serverID string) ([]string, error) {
	ids, err := m.store.SMembers(ctx, serverSessionsKey(serverID))
	if err != nil {
		return nil, svcerrors.Unavailable("server session index", err)
	}
	return ids, nil
}

// ListOrgSessions returns every session id belonging to orgID.
func (m *Manager) ListOrgSessions(ctx context.Context, orgID string) ([]string, error) {
	ids, err := m.store.SMembers(ctx, orgSessionsKey(orgID))
	if err != nil {
		return nil, svcerrors.Unavailable("org session index", err).WithOrg(orgID)
	}
	return ids, nil
}

// FindUserServer returns the server id currently hosting a user's
// session, for direct messaging.
func (m *Manager) FindUserServer(ctx context.Context, userID string) (string, error) {
	serverID, err := m.store.Get(ctx, userServerKey(userID))
	if err == substrate.ErrNotFound {
		return "", svcerrors.NotFound("user server mapping", userID)
	}
	if err != nil {
		return "", svcerrors.Unavailable("user server index", err)
	}
	return serverID, nil
}

// CleanupServerSessions removes every session record owned by a dead
// server and reports each as lost. Intended to run once a node's
// heartbeat has been observed stale.
func (m *Manager) CleanupServerSessions(ctx context.Context, serverID string) (int, error) {
	ids, err := m.ListServerSessions(ctx, serverID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if err := m.UnregisterSession(ctx, id, "server_failure"); err != nil {
			m.log.Warn(ctx, "failed to clean up session after server failure", map[string]interface{}{
				"session_id": id, "server_id": serverID, "error": err.Error(),
			})
			continue
		}
		removed++
	}
	return removed, nil
}

// MigrateSession atomically transfers a session's ownership from its
// current server to targetServerID via compare-and-swap on the expected
// current owner. Returns Conflict if the CAS fails because the session
// was already migrated or unregistered concurrently.
func (m *Manager) MigrateSession(ctx context.Context, sessionID, fromServerID, toServerID string) error {
	key := sessionKey(sessionID) + ":owner"
	ok, err := m.store.CompareAndSwap(ctx, key, fromServerID, toServerID, m.sessionTTL)
	if err != nil {
		return svcerrors.Unavailable("session migration CAS", err)
	}
	if !ok {
		return svcerrors.Conflict(fmt.Sprintf("session %s is not owned by %s", sessionID, fromServerID))
	}
	if err := m.store.HSet(ctx, sessionKey(sessionID), map[string]string{
		"owning_server_id": toServerID,
	}, m.sessionTTL); err != nil {
		return svcerrors.Unavailable("session record update", err)
	}
	_ = m.store.SRem(ctx, serverSessionsKey(fromServerID), sessionID)
	_ = m.store.SAdd(ctx, serverSessionsKey(toServerID), sessionID)
	return nil
}

// seedOwner initializes the CAS-tracked owner key used by MigrateSession
// so the first migration's "from" expectation is well-defined.
func (m *Manager) seedOwner(ctx context.Context, sessionID, serverID string) error {
	_, err := m.store.SetNX(ctx, sessionKey(sessionID)+":owner", serverID, m.sessionTTL)
	return err
}
