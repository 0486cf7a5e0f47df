package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopoSortKeepsOrderedInput(t *testing.T) {
	g := New()
	g.AddNode("dx")
	g.AddEdge("lab", "dx")
	g.AddEdge("rx", "lab")
	g.AddEdge("followup", "dx")

	order, err := g.TopoSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"dx", "lab", "rx", "followup"}, order)
}

func TestTopoSortDependenciesFirst(t *testing.T) {
	g := New()
	// Declared before its dependencies.
	g.AddEdge("payer", "age")
	g.AddEdge("payer", "employed")
	g.AddNode("age")
	g.AddNode("employed")

	order, err := g.TopoSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"age", "employed", "payer"}, order)
}

func TestTopoSortMultipleDependencies(t *testing.T) {
	g := New()
	g.AddNode("a")
	g.AddNode("b")
	g.AddEdge("c", "a")
	g.AddEdge("c", "b")

	order, err := g.TopoSort()
	require.NoError(t, err)

	pos := func(n string) int {
		for i, x := range order {
			if x == n {
				return i
			}
		}
		return -1
	}
	assert.Less(t, pos("a"), pos("c"))
	assert.Less(t, pos("b"), pos("c"))
}

func TestTopoSortDetectsTwoNodeCycle(t *testing.T) {
	g := New()
	g.AddEdge("A", "B")
	g.AddEdge("B", "A")

	_, err := g.TopoSort()
	require.Error(t, err)

	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"A", "B", "A"}, ce.Path)
	assert.Contains(t, err.Error(), "A -> B -> A")
}

func TestTopoSortDetectsSelfDependency(t *testing.T) {
	g := New()
	g.AddEdge("x", "x")

	_, err := g.TopoSort()
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"x", "x"}, ce.Path)
}

func TestTopoSortCycleBehindAcyclicPrefix(t *testing.T) {
	g := New()
	g.AddNode("root")
	g.AddEdge("a", "root")
	g.AddEdge("a", "c")
	g.AddEdge("b", "a")
	g.AddEdge("c", "b")

	_, err := g.TopoSort()
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "c", "b", "a"}, ce.Path)
}

func TestGraphAccessors(t *testing.T) {
	g := New()
	g.AddNode("a")
	g.AddNode("a")
	g.AddEdge("b", "a")

	assert.Equal(t, []string{"a", "b"}, g.Nodes())
	assert.True(t, g.Has("b"))
	assert.False(t, g.Has("z"))
	assert.Equal(t, 1, g.Position("b"))
	assert.Equal(t, -1, g.Position("z"))
	assert.Equal(t, []string{"a"}, g.Deps("b"))
}

// =============================================================================
// Cycles (Tarjan)
// =============================================================================

func TestCyclesNoneForDAG(t *testing.T) {
	g := New()
	g.AddEdge("b", "a")
	g.AddEdge("c", "b")

	assert.Empty(t, g.Cycles())
}

func TestCyclesSelfLoop(t *testing.T) {
	g := New()
	g.AddEdge("readmit", "readmit")
	g.AddNode("other")

	assert.Equal(t, [][]string{{"readmit", "readmit"}}, g.Cycles())
}

func TestCyclesMultiNode(t *testing.T) {
	g := New()
	g.AddEdge("dx-claim", "claim-denial")
	g.AddEdge("claim-denial", "denial-dx")
	g.AddEdge("denial-dx", "dx-claim")
	g.AddNode("unrelated")

	cycles := g.Cycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"dx-claim", "claim-denial", "denial-dx", "dx-claim"}, cycles[0])
}

func TestCyclesBacksOutOfDeadEnds(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("b", "d")
	g.AddEdge("c", "b")
	g.AddEdge("d", "a")

	cycles := g.Cycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"a", "b", "d", "a"}, cycles[0])
}

func TestCyclesAlwaysClosed(t *testing.T) {
	g := New()
	g.AddEdge("x", "y")
	g.AddEdge("y", "z")
	g.AddEdge("y", "w")
	g.AddEdge("z", "y")
	g.AddEdge("z", "v")
	g.AddEdge("v", "z")
	g.AddEdge("w", "x")

	for _, c := range g.Cycles() {
		require.GreaterOrEqual(t, len(c), 2)
		assert.Equal(t, c[0], c[len(c)-1], "cycle %v is not closed", c)
		for i := 0; i+1 < len(c); i++ {
			assert.Contains(t, g.edges[c[i]], c[i+1], "cycle %v uses a missing edge", c)
		}
	}
}

func TestCyclesDeterministicOrder(t *testing.T) {
	build := func() *Graph {
		g := New()
		g.AddEdge("a", "b")
		g.AddEdge("b", "a")
		g.AddEdge("c", "c")
		g.AddEdge("d", "e")
		g.AddEdge("e", "d")
		return g
	}

	first := build().Cycles()
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, build().Cycles())
	}
	require.Len(t, first, 3)
	assert.Equal(t, "a", first[0][0])
	assert.Equal(t, "c", first[1][0])
	assert.Equal(t, "d", first[2][0])
}
