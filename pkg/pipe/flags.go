// Package pipe implements the runtime pipe graph (C2): the polymorphic
// node type with a queue(msg, path) dispatch function, and the
// multiplexer fan-out node with fallback/final/catch-all semantics.
package pipe

// Flags is the per-pipe bit-field described in §3 "Pipe (C2)".
// Subtype-private bits live in the high half, per the data model.
type Flags uint32

const (
	FlagInitialized Flags = 1 << iota
	FlagInlined
	FlagBranchFinal
	FlagBranchFallback
	FlagDropUnmatched
	FlagHardFlowControl
	FlagSource
	FlagJunctionEnd
	FlagConditionalMidpoint
	FlagSyncFilterX

	// FlagPrivateBase marks where subtype-private bits begin, per the
	// data model's "private bits in the high half".
	FlagPrivateBase Flags = 1 << 16
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Any reports whether any bit in mask is set.
func (f Flags) Any(mask Flags) bool { return f&mask != 0 }

// Set returns f with mask's bits set.
func (f Flags) Set(mask Flags) Flags { return f | mask }

// Clear returns f with mask's bits cleared.
func (f Flags) Clear(mask Flags) Flags { return f &^ mask }

// needsSlowpath is the set of flags that force the dispatch runtime off
// the fastpath per §4.4: "If none of sync-filterx, hard-flow-control,
// junction-end, conditional-midpoint are set... the runtime simply
// invokes the pipe's queue virtual."
const needsSlowpath = FlagSyncFilterX | FlagHardFlowControl | FlagJunctionEnd | FlagConditionalMidpoint

// NeedsSlowpath reports whether dispatch must take the slowpath for a
// pipe carrying these flags.
func (f Flags) NeedsSlowpath() bool { return f.Any(needsSlowpath) }
