// Package eventstream provides the durable, per-tenant partitioned event
// log every publish lands in: append with quota/size enforcement, ranged
// replay, and consumer-group consumption with ack/trim.
package eventstream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/flowmesh-io/gateway/infrastructure/errors"
	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/infrastructure/metrics"
	"github.com/flowmesh-io/gateway/internal/substrate"
	"github.com/flowmesh-io/gateway/internal/types"
)

// DefaultMaxPayloadBytes is the default maximum event payload size.
const DefaultMaxPayloadBytes = 1 << 20 // 1 MiB

// DefaultMaxLength is the default per-channel retention length enforced by Trim.
const DefaultMaxLength = 100000

// quotaKeyTTL is the window over which the per-org hourly event quota
// counter accumulates before it is allowed to roll over.
const quotaKeyTTL = time.Hour

// Stream is the durable per-organization, per-channel event log.
type Stream struct {
	store          substrate.Substrate
	log            *logging.Logger
	metrics        *metrics.Metrics
	maxPayload     int
	maxLength      int64
	quotaPerHour   map[string]int64
	defaultQuota   int64
}

// New constructs a Stream backed by store.
func New(store substrate.Substrate, log *logging.Logger, m *metrics.Metrics) *Stream {
	return &Stream{
		store:        store,
		log:          log,
		metrics:      m,
		maxPayload:   DefaultMaxPayloadBytes,
		maxLength:    DefaultMaxLength,
		quotaPerHour: make(map[string]int64),
		defaultQuota: types.DefaultOrgLimits().EventsPerHour,
	}
}

// WithOrgQuota overrides the hourly event quota for a specific org.
func (s *Stream) WithOrgQuota(orgID string, eventsPerHour int64) {
	s.quotaPerHour[orgID] = eventsPerHour
}

func (s *Stream) streamKey(orgID, channel string) string {
	return fmt.Sprintf("events:%s:%s", orgID, channel)
}

func (s *Stream) quotaKey(orgID string) string {
	hour := timeNow().Truncate(time.Hour).Unix()
	return fmt.Sprintf("quota:events:%s:%d", orgID, hour)
}

// timeNow is overridable in tests that need deterministic hour buckets.
var timeNow = time.Now

func (s *Stream) quotaFor(orgID string) int64 {
	if q, ok := s.quotaPerHour[orgID]; ok {
		return q
	}
	return s.defaultQuota
}

// Append assigns a monotonic id to a new event and writes it to the
// stream, enforcing the org's hourly quota and the payload size limit.
func (s *Stream) Append(ctx context.Context, orgID, channel, eventType string, payload []byte, metadata map[string]string) (string, error) {
	if orgID == "" || channel == "" || eventType == "" {
		return "", svcerrors.Invalid("event", "org_id, channel, and type are required").WithOrg(orgID)
	}
	if len(payload) > s.maxPayload {
		return "", svcerrors.Invalid("payload", fmt.Sprintf("exceeds maximum of %d bytes", s.maxPayload)).WithOrg(orgID)
	}

	count, err := s.store.Incr(ctx, s.quotaKey(orgID))
	if err != nil {
		return "", svcerrors.Unavailable("event stream quota counter", err).WithOrg(orgID)
	}
	if count == 1 {
		_ = s.store.Expire(ctx, s.quotaKey(orgID), quotaKeyTTL)
	}
	if limit := s.quotaFor(orgID); limit > 0 && count > limit {
		return "", svcerrors.QuotaExceeded("events_per_hour", limit).WithOrg(orgID)
	}

	id := uuid.New().String()
	fields := map[string]string{
		"id":             id,
		"org_id":         orgID,
		"channel":        channel,
		"type":           eventType,
		"payload":        string(payload),
		"source_user_id": logging.GetUserID(ctx),
		"correlation_id": metadata["correlation_id"],
	}
	for k, v := range metadata {
		fields["meta:"+k] = v
	}

	streamID, err := s.store.StreamAppend(ctx, s.streamKey(orgID, channel), fields)
	if err != nil {
		return "", svcerrors.Unavailable("event stream append", err).WithOrg(orgID)
	}
	if s.metrics != nil {
		s.metrics.RecordEventRouted(orgID, channel, 0)
	}
	s.log.Info(ctx, "event appended", map[string]interface{}{
		"org_id":  orgID,
		"channel": channel,
		"type":    eventType,
		"id":      id,
	})
	return streamID, nil
}

func toEvent(orgID, channel string, m substrate.StreamMessage) types.Event {
	meta := make(map[string]string)
	for k, v := range m.Fields {
		if len(k) > 5 && k[:5] == "meta:" {
			meta[k[5:]] = v
		}
	}
	return types.Event{
		ID:            m.ID,
		OrgID:         orgID,
		Channel:       channel,
		Type:          m.Fields["type"],
		Payload:       []byte(m.Fields["payload"]),
		SourceUserID:  m.Fields["source_user_id"],
		CorrelationID: m.Fields["correlation_id"],
		Metadata:      meta,
	}
}

// Read returns up to maxCount events with id > fromID, oldest first.
func (s *Stream) Read(ctx context.Context, orgID, channel, fromID string, maxCount int64) ([]types.Event, error) {
	msgs, err := s.store.StreamRead(ctx, s.streamKey(orgID, channel), fromID, maxCount)
	if err != nil {
		return nil, svcerrors.Unavailable("event stream read", err).WithOrg(orgID)
	}
	events := make([]types.Event, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, toEvent(orgID, channel, m))
	}
	return events, nil
}

// EnsureGroup creates a consumer group for a channel if absent.
func (s *Stream) EnsureGroup(ctx context.Context, orgID, channel, group string) error {
	if err := s.store.StreamEnsureGroup(ctx, s.streamKey(orgID, channel), group); err != nil {
		return svcerrors.Unavailable("event stream group", err).WithOrg(orgID)
	}
	return nil
}

// Consume blocks up to block for up to maxCount events delivered to
// consumer within group, re-delivering anything left pending from a
// prior crashed consumer in the same group.
func (s *Stream) Consume(ctx context.Context, orgID, channel, group, consumer string, block time.Duration, maxCount int64) ([]types.Event, error) {
	msgs, err := s.store.StreamReadGroup(ctx, s.streamKey(orgID, channel), group, consumer, block, maxCount)
	if err != nil {
		return nil, svcerrors.Unavailable("event stream consume", err).WithOrg(orgID)
	}
	events := make([]types.Event, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, toEvent(orgID, channel, m))
	}
	return events, nil
}

// Ack marks a consumed record done for a group.
func (s *Stream) Ack(ctx context.Context, orgID, channel, group, eventID string) error {
	if err := s.store.StreamAck(ctx, s.streamKey(orgID, channel), group, eventID); err != nil {
		return svcerrors.Unavailable("event stream ack", err).WithOrg(orgID)
	}
	return nil
}

// Trim enforces retention, keeping at most the stream's configured
// maximum length for the given channel.
func (s *Stream) Trim(ctx context.Context, orgID, channel string) error {
	maxLen := s.maxLength
	if err := s.store.StreamTrim(ctx, s.streamKey(orgID, channel), maxLen); err != nil {
		return svcerrors.Unavailable("event stream trim", err).WithOrg(orgID)
	}
	return nil
}
