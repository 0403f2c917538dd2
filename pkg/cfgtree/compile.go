package cfgtree

import (
	"time"

	"github.com/nadorp/logpipe/internal/metrics"
	"github.com/nadorp/logpipe/pkg/apperr"
	"github.com/nadorp/logpipe/pkg/pipe"
)

// sourceAux is the memoised compilation state for one defined source:
// the source pipe's own ref, and the shared tail multiplexer every
// reference to it hops its continuation into (§4.3, "References to a
// source share the source's tail multiplexer").
type sourceAux struct {
	ref  pipe.Ref
	tail pipe.Ref
}

// destAux is the memoised compilation state for one defined
// destination: just the shared destination pipe's ref. Each reference
// still gets its own small fork multiplexer (see compileDestAux).
type destAux struct {
	ref pipe.Ref
}

type compiler struct {
	tree  *CfgTree
	arena *pipe.Arena

	sourceAux map[*LogExprNode]*sourceAux
	destAux   map[*LogExprNode]*destAux
	used      map[*LogExprNode]bool
}

// Compile lowers tree into a pipe.Arena, per §4.3's two-phase
// algorithm: Phase 1 expands catch-all rules with a reference to every
// defined source; Phase 2 lowers every rule's LogExprNode tree
// (Single/Reference/Sequence/Junction) into pipes, wiring next-pointers
// and multiplexer hops. A compile error aborts the whole pass — Compile
// never returns a partially wired arena, so a caller holding a
// previous-generation arena simply keeps using it on failure (§4.3,
// "a failed reload leaves the previous graph running").
func Compile(tree *CfgTree) (arena *pipe.Arena, err error) {
	start := time.Now()
	defer func() {
		metrics.CompileDurationSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.CompileErrorsTotal.WithLabelValues(compileErrorCode(err)).Inc()
		}
	}()

	c := &compiler{
		tree:      tree,
		arena:     pipe.NewArena(),
		sourceAux: make(map[*LogExprNode]*sourceAux),
		destAux:   make(map[*LogExprNode]*destAux),
		used:      make(map[*LogExprNode]bool),
	}

	sources := tree.Sources()
	for _, rule := range tree.rules {
		c.expandCatchAll(rule, sources)
	}

	for _, rule := range tree.rules {
		if _, _, err := c.compileNode(rule); err != nil {
			return nil, err
		}
	}

	for _, p := range c.arena.All() {
		if err := p.Init(); err != nil {
			return nil, err
		}
	}
	if err := c.arena.VerifyUniqueNames(); err != nil {
		return nil, err
	}

	metrics.ActivePipesGauge.Set(float64(c.arena.Len()))
	return c.arena, nil
}

// compileErrorCode extracts the structured error code from a compile
// failure, for the per-code error counter; an error type that didn't
// originate in this package's apperr helpers is counted as "UNKNOWN".
func compileErrorCode(err error) string {
	if ae, ok := err.(*apperr.Error); ok {
		return ae.Code
	}
	return "UNKNOWN"
}

// expandCatchAll rewrites a catch-all rule in place so it begins with a
// reference to every defined source not already referenced among its
// direct children (§4.3, Phase 1).
func (c *compiler) expandCatchAll(rule *LogExprNode, sources []*LogExprNode) {
	if !rule.Flags.Has(LCCatchAll) {
		return
	}
	if rule.Layout != LayoutSequence {
		inner := new(LogExprNode)
		*inner = *rule
		*rule = LogExprNode{
			Layout:   LayoutSequence,
			Content:  ContentPipe,
			Flags:    rule.Flags,
			Location: rule.Location,
			Children: []*LogExprNode{inner},
		}
	}

	existing := make(map[string]bool, len(rule.Children))
	for _, child := range rule.Children {
		if c.branchContent(child) == ContentSource {
			existing[child.Name] = true
		}
	}

	var prepend []*LogExprNode
	for _, src := range sources {
		if existing[src.Name] {
			continue
		}
		prepend = append(prepend, &LogExprNode{
			Layout:   LayoutReference,
			Content:  ContentSource,
			Name:     src.Name,
			Location: rule.Location,
		})
	}
	if len(prepend) > 0 {
		rule.Children = append(prepend, rule.Children...)
	}
}

// branchContent resolves the content kind a node ultimately refers to,
// following one level of Reference indirection.
func (c *compiler) branchContent(node *LogExprNode) Content {
	if node.Layout == LayoutReference {
		if defined, ok := c.tree.Lookup(node.Content, node.Name); ok {
			return defined.Content
		}
		return node.Content
	}
	return node.Content
}

// branchIsSource reports whether node, compiled on its own, is driven
// internally by one or more sources rather than expecting an external
// caller to feed it a message — recursing into the first child of
// sequences and junctions, since source-ness is a property of where a
// branch's messages originate, not of its outermost layout.
func (c *compiler) branchIsSource(node *LogExprNode) bool {
	switch node.Layout {
	case LayoutSingle, LayoutReference:
		return c.branchContent(node) == ContentSource
	case LayoutSequence, LayoutJunction:
		if len(node.Children) == 0 {
			return false
		}
		return c.branchIsSource(node.Children[0])
	default:
		return false
	}
}

func (c *compiler) compileNode(node *LogExprNode) (pipe.Ref, pipe.Ref, error) {
	switch node.Layout {
	case LayoutSingle:
		return c.compileContentNode(node)
	case LayoutReference:
		defined, ok := c.tree.Lookup(node.Content, node.Name)
		if !ok {
			return pipe.NoRef, pipe.NoRef, undefinedReferenceError(node.Content, node.Name, node.Location)
		}
		return c.compileContentNode(defined)
	case LayoutSequence:
		return c.compileSequence(node)
	case LayoutJunction:
		return c.compileJunction(node)
	default:
		return pipe.NoRef, pipe.NoRef, unknownContentError(node.Content, node.Location)
	}
}

func (c *compiler) compileContentNode(node *LogExprNode) (pipe.Ref, pipe.Ref, error) {
	switch node.Content {
	case ContentSource:
		return c.compileSourceAux(node)
	case ContentDestination:
		return c.compileDestAux(node)
	default:
		return c.compileLeaf(node)
	}
}

// compileSourceAux registers a defined source's pipe and shared tail
// multiplexer once, on first use, and returns the same refs on every
// subsequent call — "on first use... on subsequent uses cloned" does
// not apply to sources, which refuse to clone (§4.2); instead every
// reference shares the one source and fans its continuation into the
// tail multiplexer's hop vector.
func (c *compiler) compileSourceAux(node *LogExprNode) (pipe.Ref, pipe.Ref, error) {
	if aux, ok := c.sourceAux[node]; ok {
		return aux.ref, aux.tail, nil
	}
	if node.Object == nil {
		return pipe.NoRef, pipe.NoRef, unknownContentError(ContentSource, node.Location)
	}
	obj := node.Object
	obj.SetFlags(obj.Flags().Set(pipe.FlagSource))
	c.applyLCFlags(obj, node.Flags)
	srcRef, err := c.arena.Add(obj)
	if err != nil {
		return pipe.NoRef, pipe.NoRef, err
	}

	tailName := node.Name + ".tail"
	if node.Name == "" {
		tailName = c.tree.containerName("source.tail")
	}
	tailMux := pipe.NewMultiplexer(tailName, c.arena, true)
	tailRef, err := c.arena.Add(tailMux)
	if err != nil {
		return pipe.NoRef, pipe.NoRef, err
	}
	obj.SetNext(tailRef)

	aux := &sourceAux{ref: srcRef, tail: tailRef}
	c.sourceAux[node] = aux
	return aux.ref, aux.tail, nil
}

// compileDestAux registers a defined destination's pipe once, then
// builds a fresh single-hop fork multiplexer for every reference, so
// each reference "continues along next with the original message"
// while also handing a ref-bumped copy to the shared destination
// (§4.3, destination reference semantics).
func (c *compiler) compileDestAux(node *LogExprNode) (pipe.Ref, pipe.Ref, error) {
	aux, ok := c.destAux[node]
	if !ok {
		if node.Object == nil {
			return pipe.NoRef, pipe.NoRef, unknownContentError(ContentDestination, node.Location)
		}
		c.applyLCFlags(node.Object, node.Flags)
		destRef, err := c.arena.Add(node.Object)
		if err != nil {
			return pipe.NoRef, pipe.NoRef, err
		}
		aux = &destAux{ref: destRef}
		c.destAux[node] = aux
	}

	forkName := c.tree.containerName("dest.fork")
	fork := pipe.NewMultiplexer(forkName, c.arena, false)
	fork.AddHop(aux.ref)
	forkRef, err := c.arena.Add(fork)
	if err != nil {
		return pipe.NoRef, pipe.NoRef, err
	}
	return forkRef, forkRef, nil
}

// compileLeaf handles filters, parsers, rewrites, and plain pipe
// content: the object is used as-is on first use (marked inlined) and
// cloned on every subsequent use, per §4.2's Single/Reference rule.
func (c *compiler) compileLeaf(node *LogExprNode) (pipe.Ref, pipe.Ref, error) {
	if node.Object == nil {
		return pipe.NoRef, pipe.NoRef, unknownContentError(node.Content, node.Location)
	}
	var p pipe.Pipe
	if !c.used[node] {
		p = node.Object
		p.SetFlags(p.Flags().Set(pipe.FlagInlined))
		c.used[node] = true
	} else {
		cloned, err := node.Object.Clone()
		if err != nil {
			return pipe.NoRef, pipe.NoRef, err
		}
		p = cloned
	}
	c.applyLCFlags(p, node.Flags)
	ref, err := c.arena.Add(p)
	if err != nil {
		return pipe.NoRef, pipe.NoRef, err
	}
	return ref, ref, nil
}

// compileSequence lowers a Sequence node, per §4.3: leading source
// children feed their shared tail multiplexer with the compiled
// continuation of the remaining children; a non-source sequence links
// each child's tail to the next child's entry in order. An empty
// sequence materialises an IdentityPipe so its flags have somewhere to
// land.
func (c *compiler) compileSequence(node *LogExprNode) (pipe.Ref, pipe.Ref, error) {
	if len(node.Children) == 0 {
		id := pipe.NewIdentityPipe(c.tree.containerName("seq.empty"))
		c.applyLCFlags(id, node.Flags)
		ref, err := c.arena.Add(id)
		if err != nil {
			return pipe.NoRef, pipe.NoRef, err
		}
		return ref, ref, nil
	}

	splitAt := 0
	for splitAt < len(node.Children) && c.branchIsSource(node.Children[splitAt]) {
		splitAt++
	}
	for i := splitAt; i < len(node.Children); i++ {
		if c.branchIsSource(node.Children[i]) {
			return pipe.NoRef, pipe.NoRef, sourceOrderError(node.Location)
		}
	}

	sourceChildren := node.Children[:splitAt]
	rest := node.Children[splitAt:]

	var contEntry, contTail pipe.Ref = pipe.NoRef, pipe.NoRef
	var err error
	if len(rest) > 0 {
		contEntry, contTail, err = c.compileChain(rest)
		if err != nil {
			return pipe.NoRef, pipe.NoRef, err
		}
	}

	if len(sourceChildren) == 0 {
		if head := c.arena.Get(contEntry); head != nil {
			c.applyLCFlags(head, node.Flags)
		}
		return contEntry, contTail, nil
	}

	for _, sc := range sourceChildren {
		_, tailRef, err := c.compileNode(sc)
		if err != nil {
			return pipe.NoRef, pipe.NoRef, err
		}
		mux, ok := c.arena.Get(tailRef).(*pipe.Multiplexer)
		if !ok {
			return pipe.NoRef, pipe.NoRef, unknownContentError(ContentSource, sc.Location)
		}
		if contEntry != pipe.NoRef {
			mux.AddHop(contEntry)
		}
	}
	return pipe.NoRef, contTail, nil
}

// compileChain links a flat, non-source run of children in order,
// returning the first child's entry and the last child's tail.
func (c *compiler) compileChain(children []*LogExprNode) (pipe.Ref, pipe.Ref, error) {
	entry := pipe.NoRef
	prevTail := pipe.NoRef
	for _, child := range children {
		cEntry, cTail, err := c.compileNode(child)
		if err != nil {
			return pipe.NoRef, pipe.NoRef, err
		}
		if cEntry != pipe.NoRef {
			if entry == pipe.NoRef {
				entry = cEntry
			} else if prevTail != pipe.NoRef {
				if p := c.arena.Get(prevTail); p != nil {
					p.SetNext(cEntry)
				}
			}
		}
		prevTail = cTail
	}
	return entry, prevTail, nil
}

// compileJunction lowers a Junction node, per §4.3. Mixing source and
// non-source branches in one junction is rejected. A source-only
// junction attaches every branch's tail directly to a join pipe, which
// becomes the junction's own tail anchor. A non-source junction forks
// to every branch through a multiplexer and appends a junction-end
// marker pipe after each branch's tail, so the dispatch runtime's
// slowpath knows where to pop the branch's match scope back into the
// junction's own scope before continuing at the join.
func (c *compiler) compileJunction(node *LogExprNode) (pipe.Ref, pipe.Ref, error) {
	if len(node.Children) == 0 {
		return pipe.NoRef, pipe.NoRef, emptyJunctionError(node.Location)
	}
	sourceBranch := c.branchIsSource(node.Children[0])
	for _, ch := range node.Children[1:] {
		if c.branchIsSource(ch) != sourceBranch {
			return pipe.NoRef, pipe.NoRef, mixedJunctionError(node.Location)
		}
	}

	join := pipe.NewIdentityPipe(c.tree.containerName("junction.join"))
	joinRef, err := c.arena.Add(join)
	if err != nil {
		return pipe.NoRef, pipe.NoRef, err
	}

	if sourceBranch {
		for _, ch := range node.Children {
			_, tailRef, err := c.compileNode(ch)
			if err != nil {
				return pipe.NoRef, pipe.NoRef, err
			}
			if tp := c.arena.Get(tailRef); tp != nil {
				tp.SetNext(joinRef)
			}
		}
		c.applyLCFlags(join, node.Flags)
		return pipe.NoRef, joinRef, nil
	}

	fork := pipe.NewMultiplexer(c.tree.containerName("junction.fork"), c.arena, true)
	forkRef, err := c.arena.Add(fork)
	if err != nil {
		return pipe.NoRef, pipe.NoRef, err
	}

	for _, ch := range node.Children {
		bEntry, bTail, err := c.compileNode(ch)
		if err != nil {
			return pipe.NoRef, pipe.NoRef, err
		}
		if bEntry == pipe.NoRef {
			return pipe.NoRef, pipe.NoRef, mixedJunctionError(node.Location)
		}
		marker := pipe.NewIdentityPipe(c.tree.containerName("junction.end"))
		marker.SetFlags(marker.Flags().Set(pipe.FlagJunctionEnd))
		markerRef, err := c.arena.Add(marker)
		if err != nil {
			return pipe.NoRef, pipe.NoRef, err
		}
		if bTail != pipe.NoRef {
			if tp := c.arena.Get(bTail); tp != nil {
				tp.SetNext(markerRef)
			}
		}
		marker.SetNext(joinRef)
		fork.AddHop(bEntry)
	}
	c.applyLCFlags(fork, node.Flags)
	return forkRef, joinRef, nil
}

func (c *compiler) applyLCFlags(p pipe.Pipe, f LCFlags) {
	pf := p.Flags()
	if f.Has(LCFinal) {
		pf = pf.Set(pipe.FlagBranchFinal)
	}
	if f.Has(LCFallback) {
		pf = pf.Set(pipe.FlagBranchFallback)
	}
	if f.Has(LCFlowControl) {
		pf = pf.Set(pipe.FlagHardFlowControl)
	}
	if f.Has(LCDropUnmatched) {
		pf = pf.Set(pipe.FlagDropUnmatched)
	}
	p.SetFlags(pf)
}
