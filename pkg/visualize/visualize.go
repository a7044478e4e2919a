// Package visualize renders the data flow of the views of a partition as diagrams.
package visualize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/emicklei/dot"

	"github.com/l7mp/jsondb/pkg/view"
)

// Graph represents the data flow between types and views.
type Graph struct {
	Name        string
	Views       []string
	Definitions []DefinitionNode
}

// DefinitionNode represents a Map or Reduce definition in the graph.
type DefinitionNode struct {
	UUID    string
	Kind    string
	Join    bool
	Active  bool
	Error   string
	Sources []string
	Target  string
}

// BuildGraph constructs a visualization graph from the views of a partition.
func BuildGraph(name string, views []*view.View) *Graph {
	g := &Graph{Name: name, Views: []string{}, Definitions: []DefinitionNode{}}

	for _, v := range views {
		g.Views = append(g.Views, v.ViewType())
		for _, d := range v.Definitions() {
			node := DefinitionNode{
				UUID:    d.UUID(),
				Kind:    d.Kind(),
				Active:  d.IsActive(),
				Error:   d.LastError(),
				Sources: d.SourceTypes(),
				Target:  d.TargetType(),
			}
			if m, ok := d.(*view.MapDefinition); ok {
				node.Join = m.IsJoin()
			}
			g.Definitions = append(g.Definitions, node)
		}
	}
	sort.Strings(g.Views)

	return g
}

// IsView returns true if a type is one of the views of the graph.
func (g *Graph) IsView(typeName string) bool {
	for _, v := range g.Views {
		if v == typeName {
			return true
		}
	}
	return false
}

// IsTerminalView returns true if no definition reads the view.
func (g *Graph) IsTerminalView(viewType string) bool {
	for _, d := range g.Definitions {
		for _, s := range d.Sources {
			if s == viewType {
				return false
			}
		}
	}
	return g.IsView(viewType)
}

// Label returns the display label of a definition.
func (n DefinitionNode) Label() string {
	kind := n.Kind
	if n.Join {
		kind = "Join"
	}
	uuid := n.UUID
	if len(uuid) > 8 {
		uuid = uuid[:8]
	}
	return fmt.Sprintf("%s %s", kind, uuid)
}

// BuildDotGraph creates a dot.Graph from the visualization graph.
// This unified graph can then be rendered in different formats (DOT, Mermaid, etc.).
func BuildDotGraph(g *Graph) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR")
	graph.Attr("newrank", "true")
	graph.Attr("label", g.Name)
	graph.Attr("labelloc", "t")
	graph.Attr("fontsize", "16")

	typeNodes := map[string]dot.Node{}
	typeNode := func(name string) dot.Node {
		if n, ok := typeNodes[name]; ok {
			return n
		}
		n := graph.Node("type:" + name).Attr("label", name).Attr("fontname", "helvetica")
		switch {
		case g.IsTerminalView(name):
			n.Attr("shape", "box").Attr("style", "filled,bold").Attr("fillcolor", "gold")
		case g.IsView(name):
			n.Attr("shape", "box").Attr("style", "filled").Attr("fillcolor", "lightyellow")
		default:
			n.Attr("shape", "ellipse").Attr("style", "filled").Attr("fillcolor", "lightgreen")
		}
		typeNodes[name] = n
		return n
	}

	for _, v := range g.Views {
		typeNode(v)
	}

	for _, d := range g.Definitions {
		fill := "lightblue"
		if !d.Active {
			fill = "lightcoral"
		}
		node := graph.Node("def:" + d.UUID).
			Attr("label", d.Label()).
			Attr("shape", "box").
			Attr("style", "filled,rounded").
			Attr("fillcolor", fill).
			Attr("color", "darkblue").
			Attr("fontname", "helvetica")
		if d.Error != "" {
			node.Attr("tooltip", d.Error)
		}

		for _, s := range d.Sources {
			graph.Edge(typeNode(s), node).Attr("fontname", "helvetica").Attr("fontsize", "10").
				Attr("label", strings.ToLower(d.Kind))
		}
		graph.Edge(node, typeNode(d.Target))
	}

	return graph
}
