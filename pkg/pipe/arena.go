package pipe

// Ref is an index into an Arena's pipe slice. The design notes call out
// that a raw borrowed pointer ("pipe_next... its target outlives the
// configuration") is better modelled, in a safe target language, as an
// index into a relocatable arena; Ref is that index.
type Ref int32

// NoRef is the zero-hop sentinel: "no successor".
const NoRef Ref = -1

// Arena owns every pipe compiled for one configuration generation. A
// reload allocates a fresh Arena; the previous one is kept alive only
// by in-flight messages' ack-chain references and is otherwise
// eligible for collection once drained, per §9 "Cyclic references".
type Arena struct {
	pipes []Pipe
	names map[string]Ref
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{names: make(map[string]Ref)}
}

// Add registers p in the arena and returns its Ref. If p has a
// non-empty persistent name that collides with an already-registered
// pipe, Add returns an error satisfying the "unique persistent names"
// post-compile invariant (§4.3) — checked here eagerly rather than in
// a separate pass so the violation is caught at the point of
// registration.
func (a *Arena) Add(p Pipe) (Ref, error) {
	if name := p.Name(); name != "" {
		if _, exists := a.names[name]; exists {
			return NoRef, duplicateNameError(name)
		}
	}
	ref := Ref(len(a.pipes))
	a.pipes = append(a.pipes, p)
	if name := p.Name(); name != "" {
		a.names[name] = ref
	}
	return ref, nil
}

// Get resolves ref to its Pipe, or nil for NoRef.
func (a *Arena) Get(ref Ref) Pipe {
	if ref == NoRef || int(ref) >= len(a.pipes) {
		return nil
	}
	return a.pipes[ref]
}

// Len returns the number of pipes registered in the arena.
func (a *Arena) Len() int { return len(a.pipes) }

// All returns every pipe in registration order, for init/deinit sweeps.
func (a *Arena) All() []Pipe {
	return a.pipes
}

// Resolve looks up a pipe's Ref by its persistent name, for driver
// code that needs to find a named source or destination's entry point
// after compilation (e.g. to Submit into a source, or to locate a
// destination for direct health checks).
func (a *Arena) Resolve(name string) (Ref, bool) {
	ref, ok := a.names[name]
	return ref, ok
}

// VerifyUniqueNames re-checks the whole arena for duplicate persistent
// names. Add() already rejects duplicates at registration time; this
// exists for the post-compile verification pass (§4.3) run after a
// compiler stage that may have renamed pipes after initial Add.
func (a *Arena) VerifyUniqueNames() error {
	seen := make(map[string]bool, len(a.pipes))
	for _, p := range a.pipes {
		name := p.Name()
		if name == "" {
			continue
		}
		if seen[name] {
			return duplicateNameError(name)
		}
		seen[name] = true
	}
	return nil
}
