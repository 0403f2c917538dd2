// Package cfgtree implements the configuration tree and compiler (C3):
// LogExprNode trees lowered into a pkg/pipe.Arena graph, per §4.3.
package cfgtree

import (
	"sort"
	"strconv"

	"github.com/nadorp/logpipe/pkg/pipe"
)

// Layout is the shape a LogExprNode's children take, per §3
// "LogExprNode (C3)".
type Layout int

const (
	LayoutSingle Layout = iota
	LayoutReference
	LayoutSequence
	LayoutJunction
)

func (l Layout) String() string {
	switch l {
	case LayoutSingle:
		return "single"
	case LayoutReference:
		return "reference"
	case LayoutSequence:
		return "sequence"
	case LayoutJunction:
		return "junction"
	default:
		return "unknown"
	}
}

// Content is the kind of thing a LogExprNode wraps.
type Content int

const (
	ContentPipe Content = iota
	ContentSource
	ContentFilter
	ContentParser
	ContentRewrite
	ContentDestination
)

func (c Content) String() string {
	switch c {
	case ContentPipe:
		return "pipe"
	case ContentSource:
		return "source"
	case ContentFilter:
		return "filter"
	case ContentParser:
		return "parser"
	case ContentRewrite:
		return "rewrite"
	case ContentDestination:
		return "destination"
	default:
		return "unknown"
	}
}

// LCFlags are the annotations a configuration author can attach to a
// node: final, fallback, flow-control, drop-unmatched, catch-all.
// These map onto pipe.Flags at compile time.
type LCFlags uint32

const (
	LCFinal LCFlags = 1 << iota
	LCFallback
	LCFlowControl
	LCDropUnmatched
	LCCatchAll
)

func (f LCFlags) Has(mask LCFlags) bool { return f&mask == mask }

// Location is the configuration source position a node was parsed
// from, carried for diagnostics (§3, §7 "errors carry... location").
type Location struct {
	File   string
	Line   int
	Column int
}

// LogExprNode is one node of the configuration tree, per §3. Leaf
// nodes (layout = single) wrap a concrete pipe.Pipe built by a driver;
// interior nodes (reference, sequence, junction) have Children and no
// Object of their own.
type LogExprNode struct {
	Layout   Layout
	Content  Content
	Name     string // persistent name; used for Reference lookup and naming
	Children []*LogExprNode
	Parent   *LogExprNode
	Location Location
	Flags    LCFlags

	// Object is the concrete pipe this node wraps, for Layout == Single.
	Object pipe.Pipe
}

// CfgTree is the configuration tree container, per §3: a named-node
// map and a list of top-level (unnamed) rules. Compile returns the
// compiled pipe arena to its caller; the tree does not keep it.
type CfgTree struct {
	named map[contentKey]*LogExprNode
	rules []*LogExprNode

	anonCounters map[Content]int
	anonSeq      int
}

type contentKey struct {
	content Content
	name    string
}

// NewCfgTree creates an empty configuration tree.
func NewCfgTree() *CfgTree {
	return &CfgTree{
		named:        make(map[contentKey]*LogExprNode),
		anonCounters: make(map[Content]int),
	}
}

// Define registers a named node (source/destination/filter/parser/
// rewrite block, or a named inner pipe) so later Reference nodes can
// look it up. A duplicate (content, name) pair is rejected, matching
// the Add-time duplicate-name check the pipe arena itself performs for
// persistent pipe names.
func (t *CfgTree) Define(content Content, name string, node *LogExprNode) error {
	key := contentKey{content: content, name: name}
	if _, exists := t.named[key]; exists {
		return duplicateDefinitionError(content, name)
	}
	node.Content = content
	node.Name = name
	t.named[key] = node
	return nil
}

// Lookup resolves a (content, name) reference to its defined node.
func (t *CfgTree) Lookup(content Content, name string) (*LogExprNode, bool) {
	node, ok := t.named[contentKey{content: content, name: name}]
	return node, ok
}

// Sources returns every top-level defined source node, sorted by name
// so catch-all expansion (§4.3, Phase 1) is deterministic regardless of
// Go's randomised map iteration order.
func (t *CfgTree) Sources() []*LogExprNode {
	var out []*LogExprNode
	for key, node := range t.named {
		if key.content == ContentSource {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddRule appends a top-level log statement (the root of one rule's
// sequence/junction tree) to the tree.
func (t *CfgTree) AddRule(node *LogExprNode) {
	t.rules = append(t.rules, node)
}

// Rules returns the top-level rules in declaration order.
func (t *CfgTree) Rules() []*LogExprNode {
	return t.rules
}

// anonName generates an anonymous name of the form "#anon-<content><n>"
// for content nodes that never received an explicit name, per §4.3's
// anonymous-naming rule. Children synthesised inside a container node
// (e.g. an implicit per-hop pipe inside a junction) are named by
// containerName instead, as "<container>#<seq>".
func (t *CfgTree) anonName(content Content) string {
	t.anonCounters[content]++
	return "#anon-" + content.String() + strconv.Itoa(t.anonCounters[content])
}

func (t *CfgTree) containerName(container string) string {
	t.anonSeq++
	return container + "#" + strconv.Itoa(t.anonSeq)
}
