package cfgtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadorp/logpipe/pkg/message"
	"github.com/nadorp/logpipe/pkg/pipe"
)

func sourceNode(name string) *LogExprNode {
	return &LogExprNode{Layout: LayoutSingle, Object: pipe.NewSourcePipe(name)}
}

func filterNode(name string, match func(*message.Message) bool) *LogExprNode {
	return &LogExprNode{Layout: LayoutSingle, Object: pipe.NewFilterPipe(name, match)}
}

func destNode(name string, send func(*message.Message, *pipe.PathOptions)) *LogExprNode {
	return &LogExprNode{Layout: LayoutSingle, Object: pipe.NewDestinationPipe(name, send)}
}

func TestDefine_RejectsDuplicate(t *testing.T) {
	tree := NewCfgTree()
	require.NoError(t, tree.Define(ContentSource, "s1", sourceNode("s1")))
	err := tree.Define(ContentSource, "s1", sourceNode("s1"))
	assert.Error(t, err)
}

func TestLookup_FindsDefined(t *testing.T) {
	tree := NewCfgTree()
	node := sourceNode("s1")
	require.NoError(t, tree.Define(ContentSource, "s1", node))

	got, ok := tree.Lookup(ContentSource, "s1")
	require.True(t, ok)
	assert.Same(t, node, got)
}

func TestSources_SortedByName(t *testing.T) {
	tree := NewCfgTree()
	require.NoError(t, tree.Define(ContentSource, "zeta", sourceNode("zeta")))
	require.NoError(t, tree.Define(ContentSource, "alpha", sourceNode("alpha")))

	sources := tree.Sources()
	require.Len(t, sources, 2)
	assert.Equal(t, "alpha", sources[0].Name)
	assert.Equal(t, "zeta", sources[1].Name)
}

// runDispatcher walks the compiled arena inline, standing in for the
// real dispatch runtime's trampoline loop, so a compiled graph can be
// exercised without pulling in pkg/dispatch.
type runDispatcher struct {
	arena *pipe.Arena
}

func (d *runDispatcher) Dispatch(ref pipe.Ref, msg *message.Message, path *pipe.PathOptions) {
	for ref != pipe.NoRef {
		p := d.arena.Get(ref)
		if p == nil {
			return
		}
		ref, msg, path = p.Queue(d, msg, path)
	}
}

func TestCompile_SimpleSourceToDestination(t *testing.T) {
	tree := NewCfgTree()
	require.NoError(t, tree.Define(ContentSource, "s1", sourceNode("s1")))

	var sent bool
	require.NoError(t, tree.Define(ContentDestination, "d1", destNode("d1", func(*message.Message, *pipe.PathOptions) {
		sent = true
	})))

	tree.AddRule(&LogExprNode{
		Layout:  LayoutSequence,
		Content: ContentPipe,
		Children: []*LogExprNode{
			{Layout: LayoutReference, Content: ContentSource, Name: "s1"},
			{Layout: LayoutReference, Content: ContentDestination, Name: "d1"},
		},
	})

	arena, err := Compile(tree)
	require.NoError(t, err)

	srcRef, ok := arena.Resolve("s1")
	require.True(t, ok)

	d := &runDispatcher{arena: arena}
	msg := message.New([]byte("x"), message.ParseOptions{}, message.NewRegistry())
	d.Dispatch(srcRef, msg, pipe.RootPathOptions(false))

	assert.True(t, sent)
}

func TestCompile_UndefinedReferenceFails(t *testing.T) {
	tree := NewCfgTree()
	tree.AddRule(&LogExprNode{
		Layout:  LayoutSequence,
		Content: ContentPipe,
		Children: []*LogExprNode{
			{Layout: LayoutReference, Content: ContentSource, Name: "ghost"},
		},
	})
	_, err := Compile(tree)
	assert.Error(t, err)
}

func TestCompile_EmptySequenceMaterializesIdentity(t *testing.T) {
	tree := NewCfgTree()
	tree.AddRule(&LogExprNode{Layout: LayoutSequence, Content: ContentPipe})
	arena, err := Compile(tree)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, arena.Len(), 1)
}

func TestCompile_CatchAllPrependsEverySource(t *testing.T) {
	tree := NewCfgTree()
	require.NoError(t, tree.Define(ContentSource, "s1", sourceNode("s1")))
	require.NoError(t, tree.Define(ContentSource, "s2", sourceNode("s2")))

	tree.AddRule(&LogExprNode{
		Layout: LayoutSingle,
		Flags:  LCCatchAll,
		Object: pipe.NewIdentityPipe(""),
	})

	arena, err := Compile(tree)
	require.NoError(t, err)

	_, ok1 := arena.Resolve("s1")
	_, ok2 := arena.Resolve("s2")
	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestCompile_SourceMustComeFirstInSequence(t *testing.T) {
	tree := NewCfgTree()
	require.NoError(t, tree.Define(ContentSource, "s1", sourceNode("s1")))
	require.NoError(t, tree.Define(ContentFilter, "f1", filterNode("f1", nil)))

	tree.AddRule(&LogExprNode{
		Layout:  LayoutSequence,
		Content: ContentPipe,
		Children: []*LogExprNode{
			{Layout: LayoutReference, Content: ContentFilter, Name: "f1"},
			{Layout: LayoutReference, Content: ContentSource, Name: "s1"},
		},
	})
	_, err := Compile(tree)
	assert.Error(t, err)
}

func TestCompile_MixedJunctionRejected(t *testing.T) {
	tree := NewCfgTree()
	require.NoError(t, tree.Define(ContentSource, "s1", sourceNode("s1")))
	require.NoError(t, tree.Define(ContentFilter, "f1", filterNode("f1", nil)))

	tree.AddRule(&LogExprNode{
		Layout:  LayoutJunction,
		Content: ContentPipe,
		Children: []*LogExprNode{
			{Layout: LayoutReference, Content: ContentSource, Name: "s1"},
			{Layout: LayoutReference, Content: ContentFilter, Name: "f1"},
		},
	})
	_, err := Compile(tree)
	assert.Error(t, err)
}

func TestCompile_EmptyJunctionRejected(t *testing.T) {
	tree := NewCfgTree()
	tree.AddRule(&LogExprNode{Layout: LayoutJunction, Content: ContentPipe})
	_, err := Compile(tree)
	assert.Error(t, err)
}

func TestCompile_DestinationReferencedTwiceIsSharedButForksSeparately(t *testing.T) {
	tree := NewCfgTree()
	require.NoError(t, tree.Define(ContentSource, "s1", sourceNode("s1")))

	var count int
	require.NoError(t, tree.Define(ContentDestination, "d1", destNode("d1", func(*message.Message, *pipe.PathOptions) {
		count++
	})))

	tree.AddRule(&LogExprNode{
		Layout:  LayoutJunction,
		Content: ContentPipe,
		Children: []*LogExprNode{
			{Layout: LayoutReference, Content: ContentDestination, Name: "d1"},
			{Layout: LayoutReference, Content: ContentDestination, Name: "d1"},
		},
	})

	arena, err := Compile(tree)
	require.NoError(t, err)
	assert.NotNil(t, arena)
}

func TestCompile_ClonedLeafKeepsNameAndCollides(t *testing.T) {
	tree := NewCfgTree()
	require.NoError(t, tree.Define(ContentFilter, "f1", filterNode("f1", nil)))

	tree.AddRule(&LogExprNode{
		Layout:  LayoutSequence,
		Content: ContentPipe,
		Children: []*LogExprNode{
			{Layout: LayoutReference, Content: ContentFilter, Name: "f1"},
		},
	})
	tree.AddRule(&LogExprNode{
		Layout:  LayoutSequence,
		Content: ContentPipe,
		Children: []*LogExprNode{
			{Layout: LayoutReference, Content: ContentFilter, Name: "f1"},
		},
	})

	// f1's clone keeps its persistent name, so referencing it twice
	// collides at the post-compile uniqueness check.
	_, err := Compile(tree)
	assert.Error(t, err)
}

func TestLayoutString(t *testing.T) {
	assert.Equal(t, "single", LayoutSingle.String())
	assert.Equal(t, "reference", LayoutReference.String())
	assert.Equal(t, "sequence", LayoutSequence.String())
	assert.Equal(t, "junction", LayoutJunction.String())
}

func TestContentString(t *testing.T) {
	assert.Equal(t, "source", ContentSource.String())
	assert.Equal(t, "destination", ContentDestination.String())
}
