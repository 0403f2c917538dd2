// Package message implements the core Message record (C1): an
// immutable-by-default, reference-counted, copy-on-write log record
// shared by the pipe graph, and the process-wide name-value handle
// registry it indexes into.
package message

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadorp/logpipe/internal/metrics"
	"github.com/nadorp/logpipe/pkg/apperr"
)

// ValueKind tags the type of a name-value pair's payload.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindInt
	KindBool
	KindFloat
	KindList
	KindJSON
	KindBytes
	KindIndirect
)

// maxIndirectDepth bounds indirect-value chasing so a set_value cycle
// is rejected instead of looping forever (§4.1 failure modes).
const maxIndirectDepth = 16

// Value is one name-value pair's payload. For KindIndirect, Bytes is
// unused and the payload instead resolves by slicing SourceHandle's
// bytes from Offset for Length.
type Value struct {
	Kind         ValueKind
	Bytes        []byte
	SourceHandle Handle
	Offset       int
	Length       int
}

// Timestamp mirrors the three-field {seconds, microseconds, gmt-offset}
// layout used by RECVD/STAMP/PROCESSED.
type Timestamp struct {
	Seconds      int64
	Microseconds int32
	GMTOffset    int32
}

// FromTime builds a Timestamp from a time.Time, capturing its zone
// offset in seconds.
func FromTime(t time.Time) Timestamp {
	_, offset := t.Zone()
	return Timestamp{
		Seconds:      t.Unix(),
		Microseconds: int32(t.Nanosecond() / 1000),
		GMTOffset:    int32(offset),
	}
}

// Time reconstructs a time.Time from the timestamp's seconds and
// microseconds, in UTC. The recorded GMT offset is not applied.
func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Microseconds)*1000).UTC()
}

// Flag bits on Message.flags.
const (
	FlagWriteProtected uint32 = 1 << iota
)

type nvPair struct {
	handle Handle
	value  Value
}

// Message is the core log record. Zero value is not usable; construct
// with New. All exported methods are safe for concurrent use; mutators
// return an error while the message is shared or write-protected, and
// MakeWritable returns a copy that may be mutated instead.
type Message struct {
	mu        sync.RWMutex
	registry  *Registry
	receiveID uint64

	recvd     Timestamp
	stamp     Timestamp
	processed Timestamp
	priority  int

	values []nvPair // kept sorted by handle for O(log n) lookup
	tags   map[string]struct{}

	flags uint32
	refs  int32 // atomic

	ack *AckChain
}

var receiveCounter uint64

// NextReceiveID returns the next monotonically increasing receive id.
func NextReceiveID() uint64 {
	return atomic.AddUint64(&receiveCounter, 1)
}

// ParseOptions controls how New interprets a raw payload. Zero value is
// the permissive default: the whole payload becomes MESSAGE.
type ParseOptions struct {
	SourceAddr string
}

// New constructs a Message from a raw byte payload, per §4.1: parse
// errors never produce an exception, only a message whose MESSAGE value
// is the raw input. reg may be nil to use the global registry.
func New(payload []byte, opts ParseOptions, reg *Registry) *Message {
	if reg == nil {
		reg = Global
	}
	m := &Message{
		registry:  reg,
		receiveID: NextReceiveID(),
		recvd:     FromTime(time.Now()),
		refs:      1,
		tags:      make(map[string]struct{}),
	}
	m.setLocked(HandleMessage, Value{Kind: KindBytes, Bytes: append([]byte(nil), payload...)})
	if opts.SourceAddr != "" {
		m.setLocked(HandleSource, Value{Kind: KindString, Bytes: []byte(opts.SourceAddr)})
	}
	return m
}

// ReceiveID returns the message's monotonically assigned id.
func (m *Message) ReceiveID() uint64 { return m.receiveID }

// Priority returns the syslog facility*severity priority integer.
func (m *Message) Priority() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.priority
}

// SetPriority sets the priority; requires a writable message.
func (m *Message) SetPriority(p int) error {
	if !m.IsWritable() {
		return apperr.Invariant("SetPriority", "message is write-protected; call MakeWritable first")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priority = p
	return nil
}

// Recvd, Stamp, Processed return the three built-in timestamps.
func (m *Message) Recvd() Timestamp     { m.mu.RLock(); defer m.mu.RUnlock(); return m.recvd }
func (m *Message) Stamp() Timestamp     { m.mu.RLock(); defer m.mu.RUnlock(); return m.stamp }
func (m *Message) Processed() Timestamp { m.mu.RLock(); defer m.mu.RUnlock(); return m.processed }

// SetStamp/SetProcessed set the corresponding timestamp on a writable message.
func (m *Message) SetStamp(ts Timestamp) error     { return m.setTimestamp(&m.stamp, ts) }
func (m *Message) SetProcessed(ts Timestamp) error { return m.setTimestamp(&m.processed, ts) }

func (m *Message) setTimestamp(field *Timestamp, ts Timestamp) error {
	if !m.IsWritable() {
		return apperr.Invariant("SetTimestamp", "message is write-protected; call MakeWritable first")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	*field = ts
	return nil
}

// IsWritable reports whether the message may be mutated in place: it
// has exactly one live reference and is not write-protected.
func (m *Message) IsWritable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return atomic.LoadInt32(&m.refs) <= 1 && m.flags&FlagWriteProtected == 0
}

// MarkWriteProtected sets the write-protected bit, used by the
// multiplexer before fan-out so every branch must clone before
// mutating (§4.2).
func (m *Message) MarkWriteProtected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags |= FlagWriteProtected
}

// Ref increments the reference count, for a new holder sharing the
// message (e.g. a multiplexer hop).
func (m *Message) Ref() *Message {
	atomic.AddInt32(&m.refs, 1)
	return m
}

// Unref decrements the reference count. Callers that drop a reference
// without acking should not unref past zero; the ack chain, not the
// refcount, drives message lifetime for accounting purposes here.
func (m *Message) Unref() {
	atomic.AddInt32(&m.refs, -1)
}

// RefCount reports the current reference count, for tests.
func (m *Message) RefCount() int32 {
	return atomic.LoadInt32(&m.refs)
}

// Clone deep-copies the dynamic name-value table and tags into a fresh,
// unshared, non-write-protected Message. Per §4.1, "clone() deep-copies
// only the dynamic name-value table; shared bytes are reference-counted"
// — in this Go port bytes are copied outright since the cost of an
// additional refcounted byte-buffer type is not worth it, but callers
// performing many clones of large payloads may wish to share via
// KindIndirect instead.
func (m *Message) Clone() *Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clone := &Message{
		registry:  m.registry,
		receiveID: m.receiveID,
		recvd:     m.recvd,
		stamp:     m.stamp,
		processed: m.processed,
		priority:  m.priority,
		refs:      1,
		tags:      make(map[string]struct{}, len(m.tags)),
		values:    make([]nvPair, len(m.values)),
	}
	for i, p := range m.values {
		v := p.value
		v.Bytes = append([]byte(nil), p.value.Bytes...)
		clone.values[i] = nvPair{handle: p.handle, value: v}
	}
	for t := range m.tags {
		clone.tags[t] = struct{}{}
	}
	if m.ack != nil {
		// A clone participates in the same ack chain as its source by
		// default; callers that want an independent chain call
		// SetAckChain explicitly after cloning.
		clone.ack = m.ack
	}
	metrics.MessageCloneTotal.Inc()
	return clone
}

// MakeWritable returns a message guaranteed safe to mutate in place:
// either m itself if it is already writable, or a fresh clone
// otherwise (§4.1 "make_writable").
func MakeWritable(m *Message) *Message {
	if m.IsWritable() {
		return m
	}
	return m.Clone()
}

// SetAckChain attaches the ack chain this message's branches should
// report into. Typically called once, at construction.
func (m *Message) SetAckChain(c *AckChain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ack = c
}

// AckChainRef returns the message's ack chain, or nil if none is attached.
func (m *Message) AckChainRef() *AckChain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ack
}

// AddAck records that the message is about to fan out into n
// additional branches (§4.1 "add_ack").
func (m *Message) AddAck(n int) {
	if c := m.AckChainRef(); c != nil {
		c.AddAck(n)
	}
}

// Ack reports one branch's terminal outcome (§4.1 "ack").
func (m *Message) Ack(outcome AckOutcome) {
	if c := m.AckChainRef(); c != nil {
		c.Ack(outcome)
	}
}

// AddTag adds a tag to the message's tag set; requires writability.
func (m *Message) AddTag(tag string) error {
	if !m.IsWritable() {
		return apperr.Invariant("AddTag", "message is write-protected; call MakeWritable first")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tags == nil {
		m.tags = make(map[string]struct{})
	}
	m.tags[tag] = struct{}{}
	return nil
}

// HasTag reports whether tag is set.
func (m *Message) HasTag(tag string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tags[tag]
	return ok
}

// Tags returns a snapshot slice of all set tags.
func (m *Message) Tags() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tags))
	for t := range m.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// search returns the index of handle in m.values and whether it was
// found exactly, via binary search over the sorted slice. Caller must
// hold at least a read lock.
func (m *Message) search(h Handle) (int, bool) {
	i := sort.Search(len(m.values), func(i int) bool { return m.values[i].handle >= h })
	if i < len(m.values) && m.values[i].handle == h {
		return i, true
	}
	return i, false
}

// GetValue resolves handle to its value, following indirections (up to
// maxIndirectDepth levels) if the stored value is KindIndirect.
func (m *Message) GetValue(h Handle) (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getValueLocked(h, 0)
}

func (m *Message) getValueLocked(h Handle, depth int) (Value, bool) {
	i, ok := m.search(h)
	if !ok {
		return Value{}, false
	}
	v := m.values[i].value
	if v.Kind != KindIndirect {
		return v, true
	}
	if depth >= maxIndirectDepth {
		return Value{}, false
	}
	src, ok := m.getValueLocked(v.SourceHandle, depth+1)
	if !ok {
		return Value{}, false
	}
	if v.Offset < 0 || v.Offset+v.Length > len(src.Bytes) {
		return Value{}, false
	}
	return Value{Kind: KindBytes, Bytes: src.Bytes[v.Offset : v.Offset+v.Length]}, true
}

// GetByName is a convenience wrapper interning name against the
// message's registry and calling GetValue.
func (m *Message) GetByName(name string) (Value, bool) {
	return m.GetValue(m.registry.Intern(name))
}

// SetValue sets handle's value; requires a writable message. Indirect
// values referencing a cycle (directly or through chained indirection
// beyond maxIndirectDepth) are rejected per §4.1.
func (m *Message) SetValue(h Handle, v Value) error {
	if !m.IsWritable() {
		return apperr.Invariant("SetValue", "message is write-protected; call MakeWritable first")
	}
	if v.Kind == KindIndirect {
		m.mu.RLock()
		_, resolvable := m.getValueLocked(v.SourceHandle, 0)
		m.mu.RUnlock()
		if !resolvable && v.SourceHandle != h {
			return apperr.Protocol("SetValue", fmt.Sprintf("indirect value for handle %d references unresolvable source %d", h, v.SourceHandle))
		}
		if v.SourceHandle == h {
			return apperr.Protocol("SetValue", "indirect value cannot reference its own handle")
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(h, v)
	return nil
}

func (m *Message) setLocked(h Handle, v Value) {
	i, ok := m.search(h)
	if ok {
		m.values[i].value = v
		return
	}
	m.values = append(m.values, nvPair{})
	copy(m.values[i+1:], m.values[i:])
	m.values[i] = nvPair{handle: h, value: v}
}

// SetByName interns name and calls SetValue.
func (m *Message) SetByName(name string, v Value) error {
	return m.SetValue(m.registry.Intern(name), v)
}

// Unset removes handle's value; requires a writable message.
func (m *Message) Unset(h Handle) error {
	if !m.IsWritable() {
		return apperr.Invariant("Unset", "message is write-protected; call MakeWritable first")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.search(h)
	if !ok {
		return nil
	}
	m.values = append(m.values[:i], m.values[i+1:]...)
	return nil
}

// Registry returns the registry this message's handles are interned
// against.
func (m *Message) Registry() *Registry {
	return m.registry
}

// Len returns the number of distinct name-value pairs set.
func (m *Message) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// Range iterates over all name-value pairs in handle order. f must not
// call back into m.
func (m *Message) Range(f func(h Handle, v Value)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.values {
		f(p.handle, p.value)
	}
}
