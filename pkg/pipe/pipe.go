package pipe

import (
	"github.com/nadorp/logpipe/internal/metrics"
	"github.com/nadorp/logpipe/pkg/message"
)

// NotifyCode is an upward notification code from a driver, per §4.2
// "notify(code, data): upward notifications... forwarded along next by
// default".
type NotifyCode int

const (
	NotifyReopenRequired NotifyCode = iota
	NotifyFileMoved
)

// Dispatcher is the capability a pipe's Queue method uses to forward a
// message to a hop other than its own tail-call return value — used by
// Multiplexer to fan out to every hop but the last. Implemented by the
// dispatch runtime's trampoline loop (C4); kept as a narrow interface
// here so pkg/pipe has no dependency on pkg/dispatch.
type Dispatcher interface {
	Dispatch(ref Ref, msg *message.Message, path *PathOptions)
}

// Pipe is the polymorphic node exposing the capability set described in
// §4.2: {init, deinit, clone, queue, notify, free}. "free" has no
// separate method in this port — Go's GC reclaims a pipe once its
// Arena is collected, so there is nothing for an explicit free to do.
type Pipe interface {
	// Init is idempotent; the runtime sets the FlagInitialized bit and
	// is the sole caller.
	Init() error
	// Deinit is idempotent; the runtime clears FlagInitialized.
	Deinit() error
	// Clone is only required for pipes that participate in references
	// (reused at multiple positions in the compiled graph). Stateful
	// pipes such as sources and destinations return an error; the
	// compiler handles them specially (memoise + shared multiplexer).
	Clone() (Pipe, error)
	// Queue is the hot path. It guarantees that either the message is
	// delivered to the pipe's responsibility, or msg.Ack(aborted or
	// processed) is called exactly once. It returns the Ref, message
	// and path options for its natural successor so the dispatch
	// runtime's trampoline loop can continue without recursing (the
	// fastpath tail call); a NoRef return means this branch is done —
	// any other hops it needed to reach have already been handed to d.
	Queue(d Dispatcher, msg *message.Message, path *PathOptions) (Ref, *message.Message, *PathOptions)
	// Notify delivers an upward notification from a driver; the default
	// behaviour (see BasePipe) forwards it along Next.
	Notify(d Dispatcher, code NotifyCode, data any)

	Flags() Flags
	SetFlags(Flags)
	Next() Ref
	SetNext(Ref)
	Name() string
	PluginName() string
}

// BasePipe implements the bookkeeping common to every concrete pipe
// type: flags, next pointer, persistent name, plugin name, and the
// default (forward along next) Notify behaviour. Concrete pipes embed
// BasePipe and override Queue (and Clone, if they support references).
type BasePipe struct {
	flags      Flags
	next       Ref
	name       string
	pluginName string
}

// NewBasePipe constructs a BasePipe with the given persistent name
// (may be "") and plugin name (for diagnostics).
func NewBasePipe(name, pluginName string) BasePipe {
	return BasePipe{next: NoRef, name: name, pluginName: pluginName}
}

func (b *BasePipe) Init() error {
	b.flags = b.flags.Set(FlagInitialized)
	return nil
}

func (b *BasePipe) Deinit() error {
	b.flags = b.flags.Clear(FlagInitialized)
	return nil
}

func (b *BasePipe) Flags() Flags       { return b.flags }
func (b *BasePipe) SetFlags(f Flags)   { b.flags = f }
func (b *BasePipe) Next() Ref          { return b.next }
func (b *BasePipe) SetNext(r Ref)      { b.next = r }
func (b *BasePipe) Name() string       { return b.name }
func (b *BasePipe) PluginName() string { return b.pluginName }

// Notify forwards the notification to Next by default, matching §4.2.
func (b *BasePipe) Notify(d Dispatcher, code NotifyCode, data any) {
	if b.next != NoRef {
		if n, ok := d.(notifyForwarder); ok {
			n.ForwardNotify(b.next, code, data)
		}
	}
}

// notifyForwarder is an optional capability a Dispatcher may implement
// to propagate Notify calls along next without needing a live message.
type notifyForwarder interface {
	ForwardNotify(ref Ref, code NotifyCode, data any)
}

// IdentityPipe forwards every message unchanged to Next. The compiler
// materialises one in place of an empty sequence, per §4.3, "to give
// flags somewhere to land".
type IdentityPipe struct {
	BasePipe
}

// NewIdentityPipe constructs an IdentityPipe.
func NewIdentityPipe(name string) *IdentityPipe {
	return &IdentityPipe{BasePipe: NewBasePipe(name, "identity")}
}

func (p *IdentityPipe) Clone() (Pipe, error) {
	clone := *p
	return &clone, nil
}

func (p *IdentityPipe) Queue(d Dispatcher, msg *message.Message, path *PathOptions) (Ref, *message.Message, *PathOptions) {
	metrics.PipeQueueCallsTotal.WithLabelValues(p.PluginName()).Inc()
	return p.Next(), msg, path
}
