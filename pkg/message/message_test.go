package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SetsMessageAndSource(t *testing.T) {
	reg := NewRegistry()
	m := New([]byte("hello world"), ParseOptions{SourceAddr: "127.0.0.1"}, reg)

	v, ok := m.GetValue(HandleMessage)
	require.True(t, ok)
	assert.Equal(t, []byte("hello world"), v.Bytes)

	v, ok = m.GetValue(reg.Intern("SOURCE"))
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", string(v.Bytes))
}

func TestNew_NilRegistryUsesGlobal(t *testing.T) {
	m := New([]byte("x"), ParseOptions{}, nil)
	assert.Same(t, Global, m.Registry())
}

func TestIsWritable_FreshMessage(t *testing.T) {
	m := New([]byte("x"), ParseOptions{}, NewRegistry())
	assert.True(t, m.IsWritable())
}

func TestIsWritable_SharedMessageIsNotWritable(t *testing.T) {
	m := New([]byte("x"), ParseOptions{}, NewRegistry())
	m.Ref()
	assert.False(t, m.IsWritable())
	assert.Equal(t, int32(2), m.RefCount())
}

func TestMakeWritable_ClonesWhenShared(t *testing.T) {
	m := New([]byte("x"), ParseOptions{}, NewRegistry())
	m.Ref()

	w := MakeWritable(m)
	assert.NotSame(t, m, w)
	assert.True(t, w.IsWritable())
}

func TestMakeWritable_ReturnsSelfWhenAlreadyWritable(t *testing.T) {
	m := New([]byte("x"), ParseOptions{}, NewRegistry())
	assert.Same(t, m, MakeWritable(m))
}

func TestMarkWriteProtected(t *testing.T) {
	m := New([]byte("x"), ParseOptions{}, NewRegistry())
	m.MarkWriteProtected()
	assert.False(t, m.IsWritable())

	err := m.SetPriority(5)
	assert.Error(t, err)
}

func TestSetValue_RequiresWritable(t *testing.T) {
	m := New([]byte("x"), ParseOptions{}, NewRegistry())
	m.Ref()
	reg := m.Registry()
	err := m.SetValue(reg.Intern("field"), Value{Kind: KindString, Bytes: []byte("v")})
	assert.Error(t, err)
}

func TestSetGetValue_Roundtrip(t *testing.T) {
	reg := NewRegistry()
	m := New([]byte("x"), ParseOptions{}, reg)
	h := reg.Intern("field")

	require.NoError(t, m.SetValue(h, Value{Kind: KindString, Bytes: []byte("v1")}))
	v, ok := m.GetValue(h)
	require.True(t, ok)
	assert.Equal(t, "v1", string(v.Bytes))

	require.NoError(t, m.SetValue(h, Value{Kind: KindString, Bytes: []byte("v2")}))
	v, ok = m.GetValue(h)
	require.True(t, ok)
	assert.Equal(t, "v2", string(v.Bytes))
}

func TestUnset(t *testing.T) {
	reg := NewRegistry()
	m := New([]byte("x"), ParseOptions{}, reg)
	h := reg.Intern("field")
	require.NoError(t, m.SetValue(h, Value{Kind: KindString, Bytes: []byte("v")}))

	require.NoError(t, m.Unset(h))
	_, ok := m.GetValue(h)
	assert.False(t, ok)
}

func TestUnset_MissingHandleIsNoop(t *testing.T) {
	reg := NewRegistry()
	m := New([]byte("x"), ParseOptions{}, reg)
	assert.NoError(t, m.Unset(reg.Intern("never-set")))
}

func TestIndirectValue_Resolves(t *testing.T) {
	reg := NewRegistry()
	m := New([]byte("hello world"), ParseOptions{}, reg)
	h := reg.Intern("first_word")

	require.NoError(t, m.SetValue(h, Value{Kind: KindIndirect, SourceHandle: HandleMessage, Offset: 0, Length: 5}))
	v, ok := m.GetValue(h)
	require.True(t, ok)
	assert.Equal(t, "hello", string(v.Bytes))
}

func TestIndirectValue_RejectsSelfReference(t *testing.T) {
	reg := NewRegistry()
	m := New([]byte("x"), ParseOptions{}, reg)
	h := reg.Intern("field")
	err := m.SetValue(h, Value{Kind: KindIndirect, SourceHandle: h})
	assert.Error(t, err)
}

func TestIndirectValue_RejectsUnresolvableSource(t *testing.T) {
	reg := NewRegistry()
	m := New([]byte("x"), ParseOptions{}, reg)
	h := reg.Intern("field")
	err := m.SetValue(h, Value{Kind: KindIndirect, SourceHandle: reg.Intern("ghost")})
	assert.Error(t, err)
}

func TestIndirectValue_OutOfRangeFailsResolve(t *testing.T) {
	reg := NewRegistry()
	m := New([]byte("hi"), ParseOptions{}, reg)
	h := reg.Intern("field")
	require.NoError(t, m.SetValue(h, Value{Kind: KindIndirect, SourceHandle: HandleMessage, Offset: 0, Length: 100}))
	_, ok := m.GetValue(h)
	assert.False(t, ok)
}

func TestClone_IsIndependentAndWritable(t *testing.T) {
	reg := NewRegistry()
	m := New([]byte("x"), ParseOptions{}, reg)
	h := reg.Intern("field")
	require.NoError(t, m.SetValue(h, Value{Kind: KindString, Bytes: []byte("orig")}))
	require.NoError(t, m.AddTag("t1"))

	clone := m.Clone()
	require.NoError(t, clone.SetValue(h, Value{Kind: KindString, Bytes: []byte("changed")}))

	v, _ := m.GetValue(h)
	assert.Equal(t, "orig", string(v.Bytes))
	v, _ = clone.GetValue(h)
	assert.Equal(t, "changed", string(v.Bytes))
	assert.True(t, clone.HasTag("t1"))
	assert.Equal(t, int32(1), clone.RefCount())
}

func TestTags(t *testing.T) {
	m := New([]byte("x"), ParseOptions{}, NewRegistry())
	require.NoError(t, m.AddTag("b"))
	require.NoError(t, m.AddTag("a"))
	assert.Equal(t, []string{"a", "b"}, m.Tags())
	assert.True(t, m.HasTag("a"))
	assert.False(t, m.HasTag("z"))
}

func TestRange_VisitsAllInHandleOrder(t *testing.T) {
	reg := NewRegistry()
	m := New([]byte("x"), ParseOptions{}, reg)
	seen := 0
	m.Range(func(h Handle, v Value) { seen++ })
	assert.Equal(t, m.Len(), seen)
}

func TestRegistry_InternIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	h1 := reg.Intern("custom")
	h2 := reg.Intern("custom")
	assert.Equal(t, h1, h2)

	name, ok := reg.Name(h1)
	require.True(t, ok)
	assert.Equal(t, "custom", name)
}

func TestRegistry_Lookup(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Lookup("never-interned")
	assert.False(t, ok)

	h := reg.Intern("now-interned")
	got, ok := reg.Lookup("now-interned")
	require.True(t, ok)
	assert.Equal(t, h, got)
}

func TestRegistry_NameOutOfRange(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Name(Handle(999999))
	assert.False(t, ok)
}

func TestAckChain_SingleBranchProcessed(t *testing.T) {
	var got AckOutcome = -1
	c := NewAckChain(func(o AckOutcome) { got = o })
	c.Ack(AckProcessed)
	assert.Equal(t, AckProcessed, got)
	assert.Equal(t, int64(0), c.Pending())
}

func TestAckChain_FanOutCombinesOutcomes(t *testing.T) {
	var got AckOutcome = -1
	c := NewAckChain(func(o AckOutcome) { got = o })
	c.AddAck(2) // now 3 branches pending
	c.Ack(AckAborted)
	c.Ack(AckSuspended)
	assert.Equal(t, AckOutcome(-1), got) // not yet done, 1 branch outstanding
	c.Ack(AckAborted)
	assert.Equal(t, AckSuspended, got) // suspended beats aborted
}

func TestAckChain_ProcessedWinsOverAll(t *testing.T) {
	var got AckOutcome = -1
	c := NewAckChain(func(o AckOutcome) { got = o })
	c.AddAck(2)
	c.Ack(AckAborted)
	c.Ack(AckSuspended)
	c.Ack(AckProcessed)
	assert.Equal(t, AckProcessed, got)
}

func TestAckChain_CallbackFiresExactlyOnce(t *testing.T) {
	calls := 0
	c := NewAckChain(func(AckOutcome) { calls++ })
	c.Ack(AckProcessed)
	assert.Equal(t, 1, calls)
}

func TestAckChain_NilCallbackIsSafe(t *testing.T) {
	c := NewAckChain(nil)
	assert.NotPanics(t, func() { c.Ack(AckProcessed) })
}

func TestMessage_AckChainIntegration(t *testing.T) {
	var got AckOutcome = -1
	chain := NewAckChain(func(o AckOutcome) { got = o })
	m := New([]byte("x"), ParseOptions{}, NewRegistry())
	m.SetAckChain(chain)

	m.AddAck(1)
	m.Ack(AckProcessed)
	assert.Equal(t, AckOutcome(-1), got)
	m.Ack(AckProcessed)
	assert.Equal(t, AckProcessed, got)
}
