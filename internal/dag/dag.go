// Package dag orders dependency graphs.
//
// Both attribute sampling and event resolution walk their nodes in
// dependency order, and both must reject cycles before generating anything.
// TopoSort does that with a three-colour depth-first search. Cycles finds
// strongly connected components (Tarjan) for callers that only warn about
// cycles, such as trigger rules.
package dag

import (
	"fmt"
	"slices"
	"strings"
)

// Graph is a directed graph whose edges point from a node to the nodes it
// depends on. Node order is insertion order and drives every traversal, so
// results are deterministic.
type Graph struct {
	nodes []string
	index map[string]int
	edges map[string][]string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		index: make(map[string]int),
		edges: make(map[string][]string),
	}
}

// AddNode adds id if it is not present yet.
func (g *Graph) AddNode(id string) {
	if _, ok := g.index[id]; ok {
		return
	}
	g.index[id] = len(g.nodes)
	g.nodes = append(g.nodes, id)
}

// AddEdge records that from depends on to. Both nodes are added if missing.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	g.edges[from] = append(g.edges[from], to)
}

// Has reports whether id is a node of g.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.nodes...)
}

// Position returns the insertion index of id, or -1.
func (g *Graph) Position(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// Deps returns the direct dependencies of id.
func (g *Graph) Deps(id string) []string {
	return g.edges[id]
}

// CycleError reports a dependency cycle. Path starts and ends at the same
// node, e.g. [a b a].
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

type colour uint8

const (
	white colour = iota // unvisited
	grey                // on the current DFS path
	black               // finished
)

// TopoSort returns every node after all of its dependencies.
//
// Roots are visited in insertion order and dependencies in edge order, so
// an already topologically ordered insertion sequence comes back unchanged.
// A grey node reached again closes a cycle, reported as *CycleError.
func (g *Graph) TopoSort() ([]string, error) {
	colours := make(map[string]colour, len(g.nodes))
	order := make([]string, 0, len(g.nodes))
	var path []string

	var visit func(string) error
	visit = func(n string) error {
		switch colours[n] {
		case black:
			return nil
		case grey:
			start := 0
			for i, p := range path {
				if p == n {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), n)
			return &CycleError{Path: cycle}
		}

		colours[n] = grey
		path = append(path, n)
		for _, dep := range g.edges[n] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		colours[n] = black
		order = append(order, n)
		return nil
	}

	for _, n := range g.nodes {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Cycles returns every strongly connected component that forms a cycle
// (more than one node, or a single node with a self edge), using Tarjan's
// algorithm. Each cycle is returned as a closed path such as [a b a].
// Components are listed in order of their earliest node.
func (g *Graph) Cycles() [][]string {
	var (
		counter = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.edges[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, n := range g.nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}

	var cycles [][]string
	for _, scc := range sccs {
		if len(scc) == 1 && !g.hasSelfLoop(scc[0]) {
			continue
		}
		cycles = append(cycles, g.closedPath(scc))
	}

	// Order by the earliest member so output does not depend on DFS entry.
	first := func(c []string) int { return g.index[c[0]] }
	for i := 1; i < len(cycles); i++ {
		for j := i; j > 0 && first(cycles[j]) < first(cycles[j-1]); j-- {
			cycles[j], cycles[j-1] = cycles[j-1], cycles[j]
		}
	}
	return cycles
}

func (g *Graph) hasSelfLoop(n string) bool {
	for _, w := range g.edges[n] {
		if w == n {
			return true
		}
	}
	return false
}

// closedPath returns a cycle through the SCC's earliest node. It searches
// depth-first inside the component, backing out of dead ends, until it
// reaches a node with an edge back to the start.
func (g *Graph) closedPath(scc []string) []string {
	members := make(map[string]bool, len(scc))
	start := scc[0]
	for _, n := range scc {
		members[n] = true
		if g.index[n] < g.index[start] {
			start = n
		}
	}

	var path []string
	visited := map[string]bool{start: true}
	var walk func(n string) bool
	walk = func(n string) bool {
		path = append(path, n)
		if slices.Contains(g.edges[n], start) {
			path = append(path, start)
			return true
		}
		for _, w := range g.edges[n] {
			if members[w] && !visited[w] {
				visited[w] = true
				if walk(w) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		return false
	}
	walk(start)
	return path
}
