package view

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/l7mp/jsondb/pkg/dbsp"
	"github.com/l7mp/jsondb/pkg/object"
	"github.com/l7mp/jsondb/pkg/script"
)

const sourceUUIDsIndex = object.FieldSourceUUIDs + ".*"

// MapDefinition projects one or more source types into rows of a view.
//
// Every row carries its lineage in "_sourceUuids": the uuid of the definition, the uuid of the
// source object the row was mapped from, and the uuids of the objects reached through lookup. The
// lineage is what allows exact invalidation when any of these change.
type MapDefinition struct {
	definition
	join            bool
	sourceFunctions map[string]string
	sourceTypes     []string
	targetKey       *object.Path
	functions       map[string]script.Callable

	// per-invocation state
	chain      []string
	emitted    []object.Object
	emittedIdx map[string]int
}

var _ Definition = &MapDefinition{}

// parseMapSources returns the per-source-type function texts of a Map record, and whether it is a
// join. The legacy form carries a single "sourceType" and a string "map".
func parseMapSources(config object.Object) (map[string]string, bool, error) {
	ret := map[string]string{}
	join, hasJoin := config["join"]
	mp, hasMap := config["map"]

	if hasJoin {
		if hasMap {
			return nil, true, NewConfigValidationError(object.TypeMap,
				"Map 'join' and 'map' options are mutually exclusive")
		}
		fns, ok := join.(map[string]any)
		if !ok || len(fns) == 0 {
			return nil, true, NewConfigValidationError(object.TypeMap,
				"sourceTypes and functions for Map with join not specified")
		}
		for _, sourceType := range sortedKeys(fns) {
			s, ok := fns[sourceType].(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, true, NewConfigValidationError(object.TypeMap,
					"join function for source type '%s' not specified for Map", sourceType)
			}
			ret[sourceType] = s
		}
		return ret, true, nil
	}

	switch fns := mp.(type) {
	case map[string]any:
		if len(fns) == 0 {
			return nil, false, NewConfigValidationError(object.TypeMap,
				"sourceTypes and functions for Map with map not specified")
		}
		for _, sourceType := range sortedKeys(fns) {
			s, ok := fns[sourceType].(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, false, NewConfigValidationError(object.TypeMap,
					"map function for source type '%s' not specified for Map", sourceType)
			}
			ret[sourceType] = s
		}
	case string:
		sourceType := object.GetString(config, "sourceType")
		if sourceType == "" {
			return nil, false, NewConfigValidationError(object.TypeMap,
				"sourceType property for Map not specified")
		}
		if strings.TrimSpace(fns) == "" {
			return nil, false, NewConfigValidationError(object.TypeMap,
				"map function for Map not specified")
		}
		ret[sourceType] = fns
	default:
		return nil, false, NewConfigValidationError(object.TypeMap,
			"sourceType property for Map not specified")
	}

	return ret, false, nil
}

func newMapDefinition(v *View, config object.Object) (*MapDefinition, error) {
	sources, join, err := parseMapSources(config)
	if err != nil {
		return nil, err
	}

	m := &MapDefinition{
		definition:      newDefinition(v, object.TypeMap, config),
		join:            join,
		sourceFunctions: sources,
		sourceTypes:     sortedKeys(sources),
	}

	if name := object.GetString(config, "targetKeyName"); name != "" {
		p, err := object.CompilePath(name)
		if err != nil {
			return nil, NewConfigValidationError(object.TypeMap, "invalid targetKeyName: %s", err)
		}
		m.targetKey = p
	}

	return m, nil
}

// SourceTypes returns the source types in sorted order.
func (m *MapDefinition) SourceTypes() []string { return append([]string{}, m.sourceTypes...) }

// IsJoin returns true for join definitions.
func (m *MapDefinition) IsJoin() bool { return m.join }

// initScriptEngine compiles the functions on first use.
func (m *MapDefinition) initScriptEngine() error {
	if m.engine != nil {
		return nil
	}

	engine, err := m.newEngine()
	if err != nil {
		m.SetError(err.Error())
		return err
	}
	if err := engine.Bind("emit", m.emit); err != nil {
		engine.Release()
		m.SetError(err.Error())
		return err
	}
	if m.join {
		if err := engine.Bind("lookup", m.lookup); err != nil {
			engine.Release()
			m.SetError(err.Error())
			return err
		}
	}

	functions := map[string]script.Callable{}
	for _, sourceType := range m.sourceTypes {
		fn, err := engine.Compile(m.sourceFunctions[sourceType])
		if err != nil {
			engine.Release()
			err = NewScriptCompileError(fmt.Sprintf("map (%s)", sourceType), err)
			m.SetError(err.Error())
			return err
		}
		functions[sourceType] = fn
	}

	m.engine, m.functions = engine, functions
	m.log.V(4).Info("script engine ready", "source-types", m.sourceTypes)

	return nil
}

// ReleaseScriptEngine drops the compiled functions.
func (m *MapDefinition) ReleaseScriptEngine() {
	m.releaseEngine()
	m.functions = nil
}

// DefinitionCreated indexes the lineage of the view rows and maps every existing source object.
func (m *MapDefinition) DefinitionCreated() {
	if !m.IsActive() {
		return
	}
	if err := m.table().AddIndexOnProperty(sourceUUIDsIndex, "string", m.targetType); err != nil {
		m.SetError(NewStorageError("add index", err).Error())
		return
	}

	definitionBackfills.WithLabelValues(m.targetType, m.kind).Inc()
	for _, sourceType := range m.sourceTypes {
		objs, err := m.partition().FindObjectTable(sourceType).GetObjects("", nil, sourceType)
		if err != nil {
			m.SetError(NewStorageError("list source objects", err).Error())
			return
		}

		m.log.V(2).Info("backfill", "source-type", sourceType, "objects", len(objs))
		for _, obj := range objs {
			m.UpdateObject(nil, obj)
			if !m.IsActive() {
				return
			}
		}
	}
}

// UpdateObject applies a change of a source object: the rows mapped earlier from the object are
// replaced with what the map function emits for the new version of the object.
func (m *MapDefinition) UpdateObject(before, after object.Object) {
	if !m.IsActive() {
		return
	}
	if err := m.initScriptEngine(); err != nil {
		return
	}

	previous := []object.Object{}
	if before != nil {
		rows, err := m.table().GetObjects(sourceUUIDsIndex, object.GetUUID(before), m.targetType)
		if err != nil {
			m.SetError(NewStorageError("lookup view rows", err).Error())
			return
		}
		for _, row := range rows {
			if hasSourceUUID(row, m.uuid) {
				previous = append(previous, row)
			}
		}
	}

	m.emitted, m.emittedIdx = []object.Object{}, map[string]int{}
	if !object.IsDeleted(after) {
		if err := m.mapObject(after); err != nil {
			m.SetError(err.Error())
			return
		}
	}

	if err := m.applyRows(previous); err != nil {
		m.SetError(err.Error())
	}
}

// mapObject invokes the map function of the source type of the object.
func (m *MapDefinition) mapObject(obj object.Object) error {
	sourceType := object.GetType(obj)
	fn, ok := m.functions[sourceType]
	if !ok {
		return fmt.Errorf("no map function for source type %q", sourceType)
	}

	m.chain = []string{m.uuid, object.GetUUID(obj)}
	defer func() { m.chain = nil }()

	m.log.V(5).Info("map", "object", object.String(obj))
	if _, err := m.engine.Call(fn, map[string]any(obj)); err != nil {
		return NewScriptRuntimeError("map", err)
	}
	return nil
}

// emit is the host function scripts call to produce a view row.
func (m *MapDefinition) emit(args []any) (any, error) {
	if m.chain == nil {
		return nil, errors.New("emit called outside of a map function")
	}
	if len(args) == 0 {
		return nil, errors.New("emit requires an object")
	}
	value, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("emit requires an object, got %T", args[0])
	}

	row := object.StripFields(object.DeepCopy(value), object.FieldVersion, object.FieldOwner,
		object.FieldDeleted)
	row[object.FieldType] = m.targetType

	chain := append([]string{}, m.chain...)
	sort.Strings(chain)
	lineage := make([]any, len(chain))
	for i, id := range chain {
		lineage[i] = id
	}
	row[object.FieldSourceUUIDs] = lineage

	if object.GetUUID(row) == "" {
		if id, ok := row[object.FieldID]; ok && id != nil {
			row[object.FieldUUID] = object.UUIDFromString(keyString(id))
		} else {
			identifier := m.targetType + ":" + strings.Join(chain, ":")
			if m.targetKey != nil {
				if k, ok := m.targetKey.Get(row); ok {
					if s := keyString(k); s != "" {
						identifier += ":" + s
					}
				}
			}
			row[object.FieldUUID] = object.UUIDFromString(identifier)
		}
	}

	uuid := object.GetUUID(row)
	if i, ok := m.emittedIdx[uuid]; ok {
		m.emitted[i] = row
	} else {
		m.emittedIdx[uuid] = len(m.emitted)
		m.emitted = append(m.emitted, row)
	}

	return script.Undefined, nil
}

// lookup is the host function join scripts call to reach related objects. Every match that is not
// already on the lineage chain is fed to the join function of its type.
func (m *MapDefinition) lookup(args []any) (any, error) {
	if m.chain == nil {
		return nil, errors.New("lookup called outside of a map function")
	}
	if len(args) == 0 {
		return nil, errors.New("lookup requires a query")
	}
	query, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("lookup requires a query object, got %T", args[0])
	}
	var context any = script.Undefined
	if len(args) > 1 {
		context = args[1]
	}

	objectType, _ := query["objectType"].(string)
	if objectType == "" {
		return nil, errors.New("no objectType provided to jsondb.lookup")
	}
	fn, ok := m.functions[objectType]
	if !ok {
		return nil, fmt.Errorf("lookup requested for type %s not in source types: %s",
			objectType, strings.Join(m.sourceTypes, ", "))
	}
	index, _ := query["index"].(string)
	value := query["value"]

	objs, err := m.partition().FindObjectTable(objectType).GetObjects(index, value, objectType)
	if err != nil {
		return nil, NewStorageError("lookup", err)
	}

	for _, obj := range objs {
		uuid := object.GetUUID(obj)
		if containsString(m.chain, uuid) {
			m.log.V(5).Info("lookup cycle detected", "index", index, "object", uuid,
				"chain", m.chain)
			continue
		}

		m.chain = append(m.chain, uuid)
		_, err := m.engine.Call(fn, map[string]any(obj), context)
		m.chain = m.chain[:len(m.chain)-1]
		if err != nil {
			return nil, fmt.Errorf("error executing map function during lookup: %w", err)
		}
	}

	return script.Undefined, nil
}

// applyRows writes the difference between the rows mapped earlier and the rows emitted now.
// Unchanged rows are left alone, changed rows are updated in place and rows no longer emitted are
// deleted.
func (m *MapDefinition) applyRows(previous []object.Object) error {
	versions := map[string]string{}
	old := dbsp.NewDocumentZSet()
	for _, row := range previous {
		versions[object.GetUUID(row)] = object.GetVersion(row)
		if err := old.AddDocumentMutate(object.StripFields(row, object.FieldVersion, object.FieldOwner), 1); err != nil {
			return err
		}
	}

	cur := dbsp.NewDocumentZSet()
	for _, row := range m.emitted {
		row, err := object.NormalizeObject(row)
		if err != nil {
			return fmt.Errorf("invalid emitted object: %w", err)
		}
		if err := cur.AddDocumentMutate(row, 1); err != nil {
			return err
		}
	}

	delta, err := cur.Subtract(old)
	if err != nil {
		return err
	}

	entries := delta.List()
	written := map[string]bool{}
	for _, e := range entries {
		if e.Multiplicity <= 0 {
			continue
		}
		row, uuid := e.Document, object.GetUUID(e.Document)
		if v, ok := versions[uuid]; ok {
			row[object.FieldVersion] = v
		}
		if _, err := m.partition().UpdateObject(row, ViewObject); err != nil {
			return NewStorageError("write view row", err)
		}
		written[uuid] = true
	}

	for _, e := range entries {
		uuid := object.GetUUID(e.Document)
		if e.Multiplicity >= 0 || written[uuid] {
			continue
		}
		if _, err := m.partition().UpdateObject(object.MarkDeleted(e.Document), ViewObject); err != nil {
			return NewStorageError("delete view row", err)
		}
	}

	m.log.V(5).Info("rows updated", "previous", len(previous), "emitted", len(m.emitted),
		"delta", len(entries))

	return nil
}

func hasSourceUUID(row object.Object, uuid string) bool {
	ids, _ := row[object.FieldSourceUUIDs].([]any)
	for _, id := range ids {
		if id == uuid {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// keyString renders a key value: strings as is, everything else as JSON.
func keyString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
