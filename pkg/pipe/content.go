package pipe

import (
	"github.com/nadorp/logpipe/internal/metrics"
	"github.com/nadorp/logpipe/pkg/apperr"
	"github.com/nadorp/logpipe/pkg/message"
)

// FilterPipe evaluates a predicate. A non-match sets the current scope's
// Matched slot to false (§4.4 "a filter that fails sets it to false")
// but does not by itself drop the message — that is FlagDropUnmatched's
// job, checked generically by the dispatch runtime before a pipe runs.
type FilterPipe struct {
	BasePipe
	Predicate func(msg *message.Message) bool
}

// NewFilterPipe constructs a FilterPipe.
func NewFilterPipe(name string, predicate func(msg *message.Message) bool) *FilterPipe {
	return &FilterPipe{BasePipe: NewBasePipe(name, "filter"), Predicate: predicate}
}

func (p *FilterPipe) Clone() (Pipe, error) {
	clone := *p
	return &clone, nil
}

func (p *FilterPipe) Queue(d Dispatcher, msg *message.Message, path *PathOptions) (Ref, *message.Message, *PathOptions) {
	metrics.PipeQueueCallsTotal.WithLabelValues(p.PluginName()).Inc()
	if p.Predicate != nil && !p.Predicate(msg) {
		path.SetUnmatched()
	}
	return p.Next(), msg, path
}

// ParserPipe mutates the message's structured fields from its raw
// payload. A parse failure sets the scope unmatched and aborts the
// message (§4.1 "Parse errors... no exception" applies to Message.New;
// a ParserPipe further down the graph re-parsing already-ingested data
// follows the generic I/O-error contract of §7 instead: drop with
// aborted).
type ParserPipe struct {
	BasePipe
	Parse func(msg *message.Message) error
}

// NewParserPipe constructs a ParserPipe.
func NewParserPipe(name string, parse func(msg *message.Message) error) *ParserPipe {
	return &ParserPipe{BasePipe: NewBasePipe(name, "parser"), Parse: parse}
}

func (p *ParserPipe) Clone() (Pipe, error) {
	clone := *p
	return &clone, nil
}

func (p *ParserPipe) Queue(d Dispatcher, msg *message.Message, path *PathOptions) (Ref, *message.Message, *PathOptions) {
	metrics.PipeQueueCallsTotal.WithLabelValues(p.PluginName()).Inc()
	if p.Parse == nil {
		return p.Next(), msg, path
	}
	writable := message.MakeWritable(msg)
	if err := p.Parse(writable); err != nil {
		path.SetUnmatched()
		writable.Ack(message.AckAborted)
		return NoRef, writable, path
	}
	return p.Next(), writable, path
}

// RewritePipe mutates the message without the option of rejecting it.
type RewritePipe struct {
	BasePipe
	Rewrite func(msg *message.Message) error
}

// NewRewritePipe constructs a RewritePipe.
func NewRewritePipe(name string, rewrite func(msg *message.Message) error) *RewritePipe {
	return &RewritePipe{BasePipe: NewBasePipe(name, "rewrite"), Rewrite: rewrite}
}

func (p *RewritePipe) Clone() (Pipe, error) {
	clone := *p
	return &clone, nil
}

func (p *RewritePipe) Queue(d Dispatcher, msg *message.Message, path *PathOptions) (Ref, *message.Message, *PathOptions) {
	metrics.PipeQueueCallsTotal.WithLabelValues(p.PluginName()).Inc()
	if p.Rewrite == nil {
		return p.Next(), msg, path
	}
	writable := message.MakeWritable(msg)
	if err := p.Rewrite(writable); err != nil {
		path.SetUnmatched()
	}
	return p.Next(), writable, path
}

// SourcePipe marks a driver's entry point into the graph. Drivers call
// Dispatch directly on the Ref the compiler assigned to a SourcePipe
// (or its tail multiplexer); Queue itself is a pure forward. Sources
// refuse Clone — per §4.2 "Stateful pipes such as sources and
// destinations refuse to clone; the compiler handles them specially."
type SourcePipe struct {
	BasePipe
}

// NewSourcePipe constructs a SourcePipe with FlagSource set.
func NewSourcePipe(name string) *SourcePipe {
	p := &SourcePipe{BasePipe: NewBasePipe(name, "source")}
	p.SetFlags(p.Flags().Set(FlagSource))
	return p
}

func (p *SourcePipe) Clone() (Pipe, error) {
	return nil, apperr.Config("Clone", "source pipes cannot be cloned; the compiler must memoise and share them")
}

func (p *SourcePipe) Queue(d Dispatcher, msg *message.Message, path *PathOptions) (Ref, *message.Message, *PathOptions) {
	metrics.PipeQueueCallsTotal.WithLabelValues(p.PluginName()).Inc()
	return p.Next(), msg, path
}

// DestinationPipe hands a message to its Send function, which is
// responsible for eventually calling msg.Ack — synchronously for local
// success, or deferred until transport confirmation under flow control
// (§4.4). Destinations refuse Clone for the same reason sources do.
type DestinationPipe struct {
	BasePipe
	Send func(msg *message.Message, path *PathOptions)
}

// NewDestinationPipe constructs a DestinationPipe.
func NewDestinationPipe(name string, send func(msg *message.Message, path *PathOptions)) *DestinationPipe {
	return &DestinationPipe{BasePipe: NewBasePipe(name, "destination"), Send: send}
}

func (p *DestinationPipe) Clone() (Pipe, error) {
	return nil, apperr.Config("Clone", "destination pipes cannot be cloned; the compiler must memoise and fork via a multiplexer")
}

func (p *DestinationPipe) Queue(d Dispatcher, msg *message.Message, path *PathOptions) (Ref, *message.Message, *PathOptions) {
	metrics.PipeQueueCallsTotal.WithLabelValues(p.PluginName()).Inc()
	if p.Send != nil {
		p.Send(msg, path)
	} else {
		msg.Ack(message.AckAborted)
	}
	return p.Next(), msg, path
}
