package substrate

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Substrate implementation used by tests and by
// single-node deployments that don't need cross-server coordination. Its
// CAS semantics follow the same compare-then-swap-under-lock pattern the
// gateway's persistent state helper uses for single-process state.
type Memory struct {
	mu      sync.Mutex
	strings map[string]memEntry
	hashes  map[string]memEntry
	sets    map[string]map[string]struct{}
	streams map[string]*memStream
	subs    map[string][]*memSubscription
}

type memEntry struct {
	value    string
	fields   map[string]string
	expireAt time.Time
	hasTTL   bool
}

type memStreamEntry struct {
	id     string
	fields map[string]string
}

type memStream struct {
	entries []memStreamEntry
	seq     int64
	groups  map[string]*memGroup
}

// streamVisibilityTimeout bounds how long an entry delivered to a
// consumer group stays pending before it's eligible for re-delivery to
// another consumer in the same group.
const streamVisibilityTimeout = 30 * time.Second

type pendingEntry struct {
	entry       memStreamEntry
	deliveredAt time.Time
}

type memGroup struct {
	lastDelivered string
	pending       map[string]pendingEntry
}

// NewMemory constructs an empty in-memory substrate.
func NewMemory() *Memory {
	return &Memory{
		strings: make(map[string]memEntry),
		hashes:  make(map[string]memEntry),
		sets:    make(map[string]map[string]struct{}),
		streams: make(map[string]*memStream),
		subs:    make(map[string][]*memSubscription),
	}
}

func (m *Memory) expired(e memEntry) bool {
	return e.hasTTL && time.Now().After(e.expireAt)
}

// Get implements Substrate.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok || m.expired(e) {
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set implements Substrate.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.hasTTL = true
		e.expireAt = time.Now().Add(ttl)
	}
	m.strings[key] = e
	return nil
}

// SetNX implements Substrate.
func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok && !m.expired(e) {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.hasTTL = true
		e.expireAt = time.Now().Add(ttl)
	}
	m.strings[key] = e
	return true, nil
}

// CompareAndSwap implements Substrate.
func (m *Memory) CompareAndSwap(_ context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := ""
	if e, ok := m.strings[key]; ok && !m.expired(e) {
		current = e.value
	}
	if current != oldValue {
		return false, nil
	}
	e := memEntry{value: newValue}
	if ttl > 0 {
		e.hasTTL = true
		e.expireAt = time.Now().Add(ttl)
	}
	m.strings[key] = e
	return true, nil
}

// Delete implements Substrate.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	return nil
}

// Incr implements Substrate.
func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	var n int64
	if ok && !m.expired(e) {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	newEntry := memEntry{value: strconv.FormatInt(n, 10)}
	if ok && e.hasTTL {
		newEntry.hasTTL = true
		newEntry.expireAt = e.expireAt
	}
	m.strings[key] = newEntry
	return n, nil
}

// Expire implements Substrate.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok {
		e.hasTTL = true
		e.expireAt = time.Now().Add(ttl)
		m.strings[key] = e
	}
	return nil
}

// HSet implements Substrate.
func (m *Memory) HSet(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.hashes[key]
	if !ok || m.expired(e) {
		e = memEntry{fields: make(map[string]string)}
	}
	for k, v := range fields {
		e.fields[k] = v
	}
	if ttl > 0 {
		e.hasTTL = true
		e.expireAt = time.Now().Add(ttl)
	}
	m.hashes[key] = e
	return nil
}

// HGetAll implements Substrate.
func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.hashes[key]
	if !ok || m.expired(e) {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out, nil
}

// SAdd implements Substrate.
func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

// SRem implements Substrate.
func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(set, mem)
	}
	return nil
}

// SMembers implements Substrate.
func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for mem := range set {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

// Keys implements Substrate. Pattern supports a single trailing "*" glob.
func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	wildcard := strings.HasSuffix(pattern, "*")

	seen := make(map[string]struct{})
	collect := func(k string) {
		if wildcard {
			if strings.HasPrefix(k, prefix) {
				seen[k] = struct{}{}
			}
		} else if k == pattern {
			seen[k] = struct{}{}
		}
	}
	for k, e := range m.strings {
		if !m.expired(e) {
			collect(k)
		}
	}
	for k, e := range m.hashes {
		if !m.expired(e) {
			collect(k)
		}
	}
	for k := range m.sets {
		collect(k)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

type memSubscription struct {
	ch     chan Message
	closed chan struct{}
	once   sync.Once
}

func (s *memSubscription) Channel() <-chan Message { return s.ch }

func (s *memSubscription) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Publish implements Substrate.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	subs := append([]*memSubscription(nil), m.subs[channel]...)
	m.mu.Unlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.closed:
		default:
			// slow subscriber, drop rather than block the publisher
		}
	}
	return nil
}

// Subscribe implements Substrate.
func (m *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &memSubscription{ch: make(chan Message, 64), closed: make(chan struct{})}
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], sub)
	m.mu.Unlock()
	return sub, nil
}

func (m *Memory) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[name] = s
	}
	return s
}

// StreamAppend implements Substrate.
func (m *Memory) StreamAppend(_ context.Context, streamName string, fields map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(streamName)
	s.seq++
	id := strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + strconv.FormatInt(s.seq, 10)
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, memStreamEntry{id: id, fields: copied})
	return id, nil
}

// StreamEnsureGroup implements Substrate.
func (m *Memory) StreamEnsureGroup(_ context.Context, streamName, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(streamName)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{lastDelivered: "", pending: make(map[string]pendingEntry)}
	}
	return nil
}

// streamIDParts splits a "ms-seq" stream id into its two numeric
// components; a malformed or empty id sorts before every real one.
func streamIDParts(id string) (int64, int64) {
	idx := strings.LastIndex(id, "-")
	if idx < 0 {
		return 0, 0
	}
	ms, _ := strconv.ParseInt(id[:idx], 10, 64)
	seq, _ := strconv.ParseInt(id[idx+1:], 10, 64)
	return ms, seq
}

// compareStreamIDs orders two stream ids by their numeric (ms, seq)
// components rather than byte order, since seq can grow past a single
// decimal digit within the same millisecond and byte order would then
// disagree with append order (e.g. "100-10" < "100-9" lexicographically).
func compareStreamIDs(a, b string) int {
	aMs, aSeq := streamIDParts(a)
	bMs, bSeq := streamIDParts(b)
	if aMs != bMs {
		if aMs < bMs {
			return -1
		}
		return 1
	}
	if aSeq != bSeq {
		if aSeq < bSeq {
			return -1
		}
		return 1
	}
	return 0
}

// StreamRead implements Substrate.
func (m *Memory) StreamRead(_ context.Context, streamName, fromID string, count int64) ([]StreamMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(streamName)
	out := make([]StreamMessage, 0)
	for _, e := range s.entries {
		if fromID != "" && compareStreamIDs(e.id, fromID) <= 0 {
			continue
		}
		out = append(out, StreamMessage{ID: e.id, Fields: e.fields})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// StreamReadGroup implements Substrate. The in-memory double does not
// actually block; it returns immediately with whatever is available. It
// first re-delivers any pending entry whose visibility timeout has
// elapsed (standing in for a crashed consumer's abandoned work), then
// fills the remainder of count with entries never delivered to the
// group.
func (m *Memory) StreamReadGroup(_ context.Context, streamName, group, consumer string, _ time.Duration, count int64) ([]StreamMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(streamName)
	g, ok := s.groups[group]
	if !ok {
		g = &memGroup{pending: make(map[string]pendingEntry)}
		s.groups[group] = g
	}

	out := make([]StreamMessage, 0)
	now := time.Now()

	for id, p := range g.pending {
		if now.Sub(p.deliveredAt) < streamVisibilityTimeout {
			continue
		}
		out = append(out, StreamMessage{ID: p.entry.id, Fields: p.entry.fields})
		g.pending[id] = pendingEntry{entry: p.entry, deliveredAt: now}
		if count > 0 && int64(len(out)) >= count {
			return out, nil
		}
	}

	for _, e := range s.entries {
		if g.lastDelivered != "" && compareStreamIDs(e.id, g.lastDelivered) <= 0 {
			continue
		}
		out = append(out, StreamMessage{ID: e.id, Fields: e.fields})
		g.pending[e.id] = pendingEntry{entry: e, deliveredAt: now}
		g.lastDelivered = e.id
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// StreamAck implements Substrate.
func (m *Memory) StreamAck(_ context.Context, streamName, group, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(streamName)
	if g, ok := s.groups[group]; ok {
		delete(g.pending, id)
	}
	return nil
}

// StreamTrim implements Substrate.
func (m *Memory) StreamTrim(_ context.Context, streamName string, maxLen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(streamName)
	if int64(len(s.entries)) > maxLen {
		s.entries = s.entries[int64(len(s.entries))-maxLen:]
	}
	return nil
}

// Close implements Substrate.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, subs := range m.subs {
		for _, s := range subs {
			s.Close()
		}
	}
	return nil
}
