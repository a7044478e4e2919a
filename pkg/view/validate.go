package view

import (
	"strings"

	"github.com/go-logr/logr"

	"github.com/l7mp/jsondb/internal/dag"
	"github.com/l7mp/jsondb/pkg/object"
)

// DependencyGraph returns the dependency graph of the views: an edge points from a view to each
// source type of its registered definitions.
func DependencyGraph(views []*View) *dag.Graph {
	g := dag.New()
	for _, v := range views {
		g.AddNode(v.viewType)
		for _, d := range v.Definitions() {
			for _, t := range d.SourceTypes() {
				g.AddEdge(v.viewType, t)
			}
		}
	}
	return g
}

// ValidateDefinition checks a Map or Reduce record before it is written. Records of other types
// pass.
func ValidateDefinition(p Partition, config object.Object) error {
	kind := object.GetType(config)
	if kind != object.TypeMap && kind != object.TypeReduce {
		return nil
	}

	targetType := object.GetString(config, "targetType")
	if targetType == "" {
		return NewConfigValidationError(kind, "targetType property for %s not specified", kind)
	}
	v := p.FindView(targetType)
	if v == nil {
		return NewConfigValidationError(kind, "targetType must be of a type that extends View")
	}

	var (
		sourceTypes []string
		functions   = map[string]string{}
	)

	uuid := object.GetUUID(config)
	if kind == object.TypeMap {
		sources, join, err := parseMapSources(config)
		if err != nil {
			return err
		}
		sourceTypes = sortedKeys(sources)
		for _, t := range sourceTypes {
			if prev := v.MapDefinition(t); prev != nil && prev.IsActive() && prev.uuid != uuid {
				return NewDuplicateDefinitionError(kind, t, targetType)
			}
			name := "map"
			if join {
				name = "join"
			}
			functions[name+" ("+t+")"] = sources[t]
		}
	} else {
		r, err := parseReduce(config)
		if err != nil {
			return err
		}
		if prev := v.ReduceDefinition(r.sourceType); prev != nil && prev.IsActive() && prev.uuid != uuid {
			return NewDuplicateDefinitionError(kind, r.sourceType, targetType)
		}
		sourceTypes = []string{r.sourceType}
		functions["add"] = r.addSource
		functions["subtract"] = r.subtractSource
		if r.sourceKeyFunction != "" {
			functions["sourceKeyFunction"] = r.sourceKeyFunction
		}
	}

	g := DependencyGraph(p.Views())
	for _, t := range sourceTypes {
		g.AddEdge(targetType, t)
	}
	if cycle := g.FindCycle(); len(cycle) > 0 {
		return NewConfigValidationError(kind, "definition introduces a view dependency cycle: %s",
			strings.Join(cycle, " -> "))
	}

	return compileCheck(v, functions)
}

// compileCheck compiles the functions in a throwaway sandbox.
func compileCheck(v *View, functions map[string]string) error {
	engine, err := v.newSandbox(logr.Discard())
	if err != nil {
		return err
	}
	defer engine.Release()

	for _, name := range sortedKeys(functions) {
		if _, err := engine.Compile(functions[name]); err != nil {
			return NewScriptCompileError(name, err)
		}
	}
	return nil
}
