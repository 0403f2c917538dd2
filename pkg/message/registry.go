package message

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Handle is a small integer identifying an interned name-value key, per
// the message data model's "32-bit handle registered in a process-wide
// registry" contract.
type Handle uint32

// Registry is the process-wide, append-only name-value handle table.
// Interning (the rare create path) takes a coarse lock; resolving a
// handle back to its name only needs a read lock over an append-only
// slice, which is as close to lock-free as a safe Go slice snapshot
// gets without unsafe tricks.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Handle
	byHandle []string
}

// NewRegistry creates an empty registry pre-seeded with the built-in
// value names so their handles are stable across process restarts.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]Handle, len(builtinNames)),
	}
	for _, name := range builtinNames {
		r.intern(name)
	}
	return r
}

var builtinNames = []string{
	"HOST", "PROGRAM", "PID", "MSGID", "MESSAGE",
	"HOST_FROM", "LEGACY_MSGHDR", "SOURCE",
}

// Intern returns the handle for name, creating one if this is the first
// time name has been seen. Safe for concurrent use.
func (r *Registry) Intern(name string) Handle {
	r.mu.RLock()
	if h, ok := r.byName[name]; ok {
		r.mu.RUnlock()
		return h
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.intern(name)
}

// intern must be called with the write lock held.
func (r *Registry) intern(name string) Handle {
	if h, ok := r.byName[name]; ok {
		return h
	}
	h := Handle(len(r.byHandle))
	r.byHandle = append(r.byHandle, name)
	r.byName[name] = h
	return h
}

// Name resolves a handle back to its interned string. Returns false if
// the handle was never registered (e.g. a disk frame referencing a
// handle from a registry the current process never interned).
func (r *Registry) Name(h Handle) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(h) >= len(r.byHandle) {
		return "", false
	}
	return r.byHandle[h], true
}

// Lookup returns the handle for name without creating one.
func (r *Registry) Lookup(name string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	return h, ok
}

// hashName is a cheap non-cryptographic fingerprint of a name. Serialize
// stores the hash of the registry's name as the record's host id.
func hashName(name string) uint64 {
	return xxhash.Sum64String(name)
}

// Global is the default process-wide registry. Most callers use this;
// tests that need isolated handle spaces construct their own Registry.
var Global = NewRegistry()

// Built-in handles, resolved once against Global so hot-path code never
// pays for a map lookup on these extremely common keys.
var (
	HandleHost         = Global.Intern("HOST")
	HandleProgram      = Global.Intern("PROGRAM")
	HandlePID          = Global.Intern("PID")
	HandleMsgID        = Global.Intern("MSGID")
	HandleMessage      = Global.Intern("MESSAGE")
	HandleHostFrom     = Global.Intern("HOST_FROM")
	HandleLegacyMsgHdr = Global.Intern("LEGACY_MSGHDR")
	HandleSource       = Global.Intern("SOURCE")
)
