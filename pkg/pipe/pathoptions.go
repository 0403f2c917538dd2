package pipe

// PathOptions is the small value propagated down each queue call
// (§3 "Path options (C4)"). Nested junctions and conditionals push a
// new Matched slot on entry and pop it on exit, forming a lexical
// stack via Parent.
type PathOptions struct {
	AckNeeded            bool
	FlowControlRequested bool
	Matched              *bool
	Parent               *PathOptions
}

// RootPathOptions creates the outermost PathOptions for a message
// entering the graph from a source.
func RootPathOptions(ackNeeded bool) *PathOptions {
	matched := true
	return &PathOptions{AckNeeded: ackNeeded, Matched: &matched}
}

// PushScope creates a new nested Matched scope, as junctions and
// conditionals do on entry. The child inherits AckNeeded and
// FlowControlRequested from the parent.
func (p *PathOptions) PushScope() *PathOptions {
	matched := true
	return &PathOptions{
		AckNeeded:            p.AckNeeded,
		FlowControlRequested: p.FlowControlRequested,
		Matched:              &matched,
		Parent:               p,
	}
}

// PopScope ORs this scope's matched outcome into the parent's Matched
// slot, per §4.4 "a multiplexer at a source tail or junction head ORs
// its branches' outcomes into the parent's matched", and returns the
// parent. Calling PopScope on a root PathOptions (no parent) is a
// no-op that returns nil.
func (p *PathOptions) PopScope() *PathOptions {
	if p.Parent == nil {
		return nil
	}
	if p.Matched != nil && *p.Matched {
		*p.Parent.Matched = true
	}
	return p.Parent
}

// SetUnmatched flips this scope's Matched slot to false, as a filter
// does when it does not match the incoming message.
func (p *PathOptions) SetUnmatched() {
	f := false
	p.Matched = &f
}

// IsMatched reports the current scope's matched state.
func (p *PathOptions) IsMatched() bool {
	return p.Matched != nil && *p.Matched
}

// WithFlowControl returns a copy of p with FlowControlRequested forced
// true, as the slowpath does when it sees FlagHardFlowControl.
func (p *PathOptions) WithFlowControl() *PathOptions {
	clone := *p
	clone.FlowControlRequested = true
	return &clone
}
