package dag

import "errors"

// ErrCycle is returned when the graph is not acyclic.
var ErrCycle = errors.New("dependency cycle")

// New creates an empty graph.
func New() *Graph {
	return &Graph{byLabel: map[string]int{}, edges: map[string]map[string]bool{}}
}

// FindCycle returns the nodes of a cycle, or nil if the graph is acyclic. The first node is
// repeated at the end.
func (g *Graph) FindCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	stack := []string{}

	var visit func(n string) []string
	visit = func(n string) []string {
		color[n] = grey
		stack = append(stack, n)
		for _, m := range g.Edges(n) {
			switch color[m] {
			case grey:
				for i, s := range stack {
					if s == m {
						return append(append([]string{}, stack[i:]...), m)
					}
				}
			case white:
				if c := visit(m); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range g.Nodes {
		if color[n] == white {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// TopologicalOrder returns the nodes so that every node comes after the nodes it has an edge to,
// i.e., dependencies first.
func (g *Graph) TopologicalOrder() ([]string, error) {
	if g.FindCycle() != nil {
		return nil, ErrCycle
	}

	order := make([]string, 0, len(g.Nodes))
	done := map[string]bool{}
	var visit func(n string)
	visit = func(n string) {
		if done[n] {
			return
		}
		done[n] = true
		for _, m := range g.Edges(n) {
			visit(m)
		}
		order = append(order, n)
	}
	for _, n := range g.Nodes {
		visit(n)
	}
	return order, nil
}
