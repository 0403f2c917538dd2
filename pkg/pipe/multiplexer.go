package pipe

import (
	"github.com/nadorp/logpipe/internal/metrics"
	"github.com/nadorp/logpipe/pkg/message"
)

// Multiplexer is the pipe subtype that fans a message out to an
// ordered set of next-hops (§3 "Pipe (C2)" / §4.2 "Multiplexer").
type Multiplexer struct {
	BasePipe
	arena *Arena
	hops  []Ref

	fallbackExists      bool
	deliveryPropagation bool

	// AssemblyHook is invoked before fan-out to flush any pending
	// per-path scope back into the message (§4.2, the sync-filterx
	// message-assembly hook). The expression engine is out of scope
	// for this core, so the default is nil (no-op).
	AssemblyHook func(msg *message.Message)
}

// NewMultiplexer constructs a Multiplexer. deliveryPropagation controls
// whether a final non-match is propagated by clearing the parent's
// Matched slot: true for source tails and junction heads, false for
// destination fan-out (§4.2).
func NewMultiplexer(name string, arena *Arena, deliveryPropagation bool) *Multiplexer {
	return &Multiplexer{
		BasePipe:            NewBasePipe(name, "multiplexer"),
		arena:               arena,
		deliveryPropagation: deliveryPropagation,
	}
}

// AddHop appends a next-hop to the multiplexer's ordered hop vector.
func (m *Multiplexer) AddHop(ref Ref) {
	m.hops = append(m.hops, ref)
}

// Hops returns the multiplexer's next-hop vector, for tests and the
// compiler's reference-sharing bookkeeping (§8 property 3).
func (m *Multiplexer) Hops() []Ref {
	return m.hops
}

// Init caches fallback_exists, per §3: "a boolean fallback_exists
// cached at init".
func (m *Multiplexer) Init() error {
	m.fallbackExists = false
	for _, hop := range m.hops {
		if p := m.arena.Get(hop); p != nil && p.Flags().Has(FlagBranchFallback) {
			m.fallbackExists = true
			break
		}
	}
	return m.BasePipe.Init()
}

func (m *Multiplexer) Clone() (Pipe, error) {
	clone := *m
	clone.hops = append([]Ref(nil), m.hops...)
	return &clone, nil
}

// Queue implements the fan-out algorithm described in §4.2.
func (m *Multiplexer) Queue(d Dispatcher, msg *message.Message, path *PathOptions) (Ref, *message.Message, *PathOptions) {
	metrics.PipeQueueCallsTotal.WithLabelValues(m.PluginName()).Inc()

	protect := len(m.hops) > 1 || (m.Next() != NoRef && len(m.hops) >= 1)
	if protect {
		msg.MarkWriteProtected()
	}
	if m.AssemblyHook != nil {
		m.AssemblyHook(msg)
	}

	primary := m.nonFallbackHops()
	matched := m.dispatchBranches(d, msg, path, primary, "regular")

	if !matched && m.fallbackExists {
		fallback := m.fallbackHops()
		matched = m.dispatchBranches(d, msg, path, fallback, "fallback") || matched
	}

	if m.deliveryPropagation && !matched && path.Matched != nil {
		*path.Matched = false
	}

	return m.Next(), msg, path
}

func (m *Multiplexer) nonFallbackHops() []Ref {
	out := make([]Ref, 0, len(m.hops))
	for _, hop := range m.hops {
		if p := m.arena.Get(hop); p == nil || !p.Flags().Has(FlagBranchFallback) {
			out = append(out, hop)
		}
	}
	return out
}

func (m *Multiplexer) fallbackHops() []Ref {
	out := make([]Ref, 0, len(m.hops))
	for _, hop := range m.hops {
		if p := m.arena.Get(hop); p != nil && p.Flags().Has(FlagBranchFallback) {
			out = append(out, hop)
		}
	}
	return out
}

// dispatchBranches delivers msg to every hop in set, ref-bumping the
// message for each branch and accounting for the extra pending acks a
// fan-out introduces. It stops early if a hop marked branch-final
// matches, counting that branch as "final" rather than kind. It returns
// whether any hop in set set matched = true.
func (m *Multiplexer) dispatchBranches(d Dispatcher, msg *message.Message, path *PathOptions, set []Ref, kind string) bool {
	if len(set) == 0 {
		return false
	}
	if len(set) > 1 {
		msg.AddAck(len(set) - 1)
	}

	anyMatched := false
	for _, hop := range set {
		hopMsg := msg
		if len(set) > 1 {
			hopMsg = msg.Ref()
		}
		hopPath := path
		if m.deliveryPropagation {
			hopPath = path.PushScope()
		}

		d.Dispatch(hop, hopMsg, hopPath)

		hopIsFinal := false
		if m.deliveryPropagation {
			if hopPath.IsMatched() {
				anyMatched = true
			}
			if p := m.arena.Get(hop); p != nil && p.Flags().Has(FlagBranchFinal) && hopPath.IsMatched() {
				hopIsFinal = true
			}
		} else if p := m.arena.Get(hop); p != nil && p.Flags().Has(FlagBranchFinal) {
			hopIsFinal = true
		}
		if hopIsFinal {
			metrics.MultiplexerBranchesTotal.WithLabelValues("final").Inc()
			break
		}
		metrics.MultiplexerBranchesTotal.WithLabelValues(kind).Inc()
	}
	return anyMatched
}
