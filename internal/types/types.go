// Package types holds the domain entities shared across the gateway's
// components, as laid out in the data model: Organization, Session,
// Server, Event, Subscription, DeliveryEndpoint, DeliveryReceipt, and
// AuditRecord. Every entity scoped to a tenant carries an OrgID field.
package types

import "time"

// Organization is the tenant root and isolation boundary.
type Organization struct {
	ID        string          `json:"id" db:"id"`
	Slug      string          `json:"slug" db:"slug"`
	Limits    OrgLimits       `json:"limits" db:"-"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// OrgLimits are the tenant's configured resource ceilings.
type OrgLimits struct {
	MaxUsers       int   `json:"max_users"`
	MaxConnections int   `json:"max_connections"`
	MaxChannels    int   `json:"max_channels"`
	EventsPerHour  int64 `json:"events_per_hour"`
	StorageBytes   int64 `json:"storage_bytes"`
	APICallsPerDay int64 `json:"api_calls_per_day"`
}

// DefaultOrgLimits returns the tenant defaults applied to a newly
// registered organization absent explicit overrides.
func DefaultOrgLimits() OrgLimits {
	return OrgLimits{
		MaxUsers:       1000,
		MaxConnections: 5000,
		MaxChannels:    500,
		EventsPerHour:  100000,
		StorageBytes:   1 << 30,
		APICallsPerDay: 1000000,
	}
}

// ClientType distinguishes the kind of peer holding a Session.
type ClientType string

const (
	ClientTypeBrowser ClientType = "browser"
	ClientTypeServer  ClientType = "server"
	ClientTypeMobile  ClientType = "mobile"
)

// Session is one live client connection, owned by exactly one Server
// at any instant.
type Session struct {
	ID             string            `json:"id"`
	OrgID          string            `json:"org_id"`
	UserID         string            `json:"user_id"`
	OwningServerID string            `json:"owning_server_id"`
	SocketID       string            `json:"socket_id"`
	ClientType     ClientType        `json:"client_type"`
	Channels       map[string]bool   `json:"channels"`
	CreatedAt      time.Time         `json:"created_at"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
}

// ServerLoad is a snapshot of a gateway node's current utilization.
type ServerLoad struct {
	Connections int     `json:"connections"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
}

// Score computes the weighted load score used by the server registry's
// best-server selection: 0.5*connection_load + 0.3*cpu + 0.2*mem.
func (l ServerLoad) Score(maxConnections int) float64 {
	connLoad := 0.0
	if maxConnections > 0 {
		connLoad = float64(l.Connections) / float64(maxConnections)
		if connLoad > 1 {
			connLoad = 1
		}
	}
	return 0.5*connLoad + 0.3*(l.CPUPercent/100) + 0.2*(l.MemPercent/100)
}

// Server is a gateway node's registered identity and load.
type Server struct {
	ID            string     `json:"id"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	Protocol      string     `json:"protocol"`
	Version       string     `json:"version"`
	StartedAt     time.Time  `json:"started_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Load          ServerLoad `json:"load"`
}

// DeliverySemantics is the delivery guarantee an endpoint was
// configured with.
type DeliverySemantics string

const (
	SemanticsAtMostOnce  DeliverySemantics = "at-most-once"
	SemanticsAtLeastOnce DeliverySemantics = "at-least-once"
	SemanticsExactlyOnce DeliverySemantics = "exactly-once"
)

// Event is an immutable append to a per-(org, channel) partitioned log.
type Event struct {
	ID            string            `json:"id"`
	OrgID         string            `json:"org_id"`
	Channel       string            `json:"channel"`
	Type          string            `json:"type"`
	Payload       []byte            `json:"payload"`
	SourceUserID  string            `json:"source_user_id"`
	CreatedAt     time.Time         `json:"created_at"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	AttemptCount  int               `json:"attempt_count"`
}

// Subscription is a session's interest in a channel.
type Subscription struct {
	SessionID    string `json:"session_id"`
	Channel      string `json:"channel"`
	ReplayCursor string `json:"replay_cursor,omitempty"`
	Filter       string `json:"filter,omitempty"`
}

// BackoffStrategy is the shape of an endpoint's retry delay curve.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
)

// RetryPolicy controls an endpoint's attempt schedule.
type RetryPolicy struct {
	MaxRetries int             `json:"max_retries"`
	Strategy   BackoffStrategy `json:"backoff_strategy"`
	BaseDelay  time.Duration   `json:"base_delay"`
	MaxDelay   time.Duration   `json:"max_delay"`
	Jitter     bool            `json:"jitter"`
}

// DefaultRetryPolicy is a reasonable endpoint default: 5 retries,
// exponential backoff from 1s up to 60s, jittered.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		Strategy:   BackoffExponential,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Jitter:     true,
	}
}

// FilterOp is a comparison operator usable in a compound filter.
type FilterOp string

const (
	FilterEquals     FilterOp = "equals"
	FilterContains   FilterOp = "contains"
	FilterStartsWith FilterOp = "startsWith"
	FilterEndsWith   FilterOp = "endsWith"
	FilterRegex      FilterOp = "regex"
	FilterGT         FilterOp = "gt"
	FilterLT         FilterOp = "lt"
)

// FilterCondition tests one JSON path of an event's payload.
type FilterCondition struct {
	Path  string      `json:"path"`
	Op    FilterOp    `json:"op"`
	Value interface{} `json:"value"`
}

// FilterNode is either a leaf condition or a compound AND/OR of child
// nodes; exactly one of Condition, And, or Or should be set.
type FilterNode struct {
	Condition *FilterCondition `json:"condition,omitempty"`
	And       []FilterNode     `json:"and,omitempty"`
	Or        []FilterNode     `json:"or,omitempty"`
}

// DeliveryEndpoint is a webhook destination.
type DeliveryEndpoint struct {
	ID          string            `json:"id" db:"id"`
	OrgID       string            `json:"org_id" db:"org_id"`
	Name        string            `json:"name" db:"name"`
	URL         string            `json:"url" db:"url"`
	Method      string            `json:"method" db:"method"`
	Headers     map[string]string `json:"headers" db:"-"`
	Secret      string            `json:"-" db:"secret"`
	Timeout     time.Duration     `json:"timeout" db:"-"`
	RetryPolicy RetryPolicy       `json:"retry_policy" db:"-"`
	Semantics   DeliverySemantics `json:"semantics" db:"semantics"`
	EventTypes  []string          `json:"event_types,omitempty" db:"-"`
	Channels    []string          `json:"channels,omitempty" db:"-"`
	Filter      *FilterNode       `json:"filter,omitempty" db:"-"`
	Active      bool              `json:"active" db:"active"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// DeliveryStatus is the terminal/in-flight state of a DeliveryReceipt.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySucceeded DeliveryStatus = "succeeded"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryDead      DeliveryStatus = "dead"
)

// DeliveryReceipt is the outcome of delivering one event to one
// endpoint.
type DeliveryReceipt struct {
	ID             string         `json:"id" db:"id"`
	EventID        string         `json:"event_id" db:"event_id"`
	EndpointID     string         `json:"endpoint_id" db:"endpoint_id"`
	OrgID          string         `json:"org_id" db:"org_id"`
	Status         DeliveryStatus `json:"status" db:"status"`
	Attempts       int            `json:"attempts" db:"attempts"`
	FirstAttemptAt time.Time      `json:"first_attempt_at" db:"first_attempt_at"`
	LastAttemptAt  time.Time      `json:"last_attempt_at" db:"last_attempt_at"`
	ResponseCode   int            `json:"response_code,omitempty" db:"response_code"`
	ResponseTime   time.Duration  `json:"response_time,omitempty" db:"-"`
	Error          string         `json:"error,omitempty" db:"error"`
	Reconciled     bool           `json:"reconciled,omitempty" db:"reconciled"`
}

// Terminal reports whether the receipt has reached a terminal state.
func (r DeliveryReceipt) Terminal() bool {
	return r.Status == DeliverySucceeded || r.Status == DeliveryDead
}

// AuditSeverity classifies an AuditRecord.
type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "info"
	AuditWarning  AuditSeverity = "warning"
	AuditCritical AuditSeverity = "critical"
)

// AuditRecord is an append-only security-relevant action log entry.
type AuditRecord struct {
	ID        string                 `json:"id" db:"id"`
	OrgID     string                 `json:"org_id" db:"org_id"`
	ActorID   string                 `json:"actor_id" db:"actor_id"`
	Action    string                 `json:"action" db:"action"`
	Resource  string                 `json:"resource" db:"resource"`
	Before    map[string]interface{} `json:"before,omitempty" db:"-"`
	After     map[string]interface{} `json:"after,omitempty" db:"-"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Severity  AuditSeverity          `json:"severity" db:"severity"`
}

// Identity is the verified caller context derived from a bearer token:
// organization, user, and the roles/permissions attached to them.
type Identity struct {
	OrgID       string   `json:"org_id"`
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// HasPermission reports whether the identity carries the named
// permission.
func (id Identity) HasPermission(perm string) bool {
	for _, p := range id.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// HasRole reports whether the identity carries the named role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}
