package visualize

import (
	"fmt"

	"github.com/emicklei/dot"
)

// MermaidGenerator generates Mermaid flowchart diagrams.
type MermaidGenerator struct{}

// Generate creates a Mermaid flowchart from the graph, wrapped in a markdown code block.
func (m *MermaidGenerator) Generate(g *Graph) string {
	return fmt.Sprintf("```mermaid\n%s\n```\n", dot.MermaidFlowchart(BuildDotGraph(g), dot.MermaidLeftToRight))
}

// Generator renders a graph.
type Generator interface {
	Generate(g *Graph) string
}

// NewGenerator returns the generator of a format: "dot" or "mermaid".
func NewGenerator(format string) (Generator, error) {
	switch format {
	case "dot", "":
		return &DotGenerator{}, nil
	case "mermaid":
		return &MermaidGenerator{}, nil
	}
	return nil, fmt.Errorf("unknown graph format %q", format)
}
