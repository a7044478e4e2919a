package view

import (
	"fmt"
	"strings"

	"github.com/l7mp/jsondb/pkg/object"
	"github.com/l7mp/jsondb/pkg/script"
)

const (
	defaultTargetKeyName   = "key"
	defaultTargetValueName = "value"
)

// ReduceDefinition folds the objects of a source type into one row per grouping key using
// user-supplied add and subtract functions of shape (key, previousValue, object) -> newValue.
type ReduceDefinition struct {
	definition
	sourceType        string
	sourceKeyName     string
	sourceKey         *object.Path
	sourceKeyFunction string
	targetKeyName     string
	// empty means the fold value is the whole row body
	targetValueName string
	addSource       string
	subtractSource  string

	add, subtract, keyFunction script.Callable
}

var _ Definition = &ReduceDefinition{}

func parseReduce(config object.Object) (*ReduceDefinition, error) {
	r := &ReduceDefinition{
		sourceType:        object.GetString(config, "sourceType"),
		sourceKeyName:     object.GetString(config, "sourceKeyName"),
		sourceKeyFunction: object.GetString(config, "sourceKeyFunction"),
		targetKeyName:     object.GetString(config, "targetKeyName"),
		targetValueName:   defaultTargetValueName,
		addSource:         object.GetString(config, "add"),
		subtractSource:    object.GetString(config, "subtract"),
	}

	switch {
	case r.sourceType == "":
		return nil, NewConfigValidationError(object.TypeReduce, "sourceType property for Reduce not specified")
	case r.sourceKeyName == "" && r.sourceKeyFunction == "":
		return nil, NewConfigValidationError(object.TypeReduce,
			"sourceKeyName or sourceKeyFunction must be provided for Reduce")
	case r.sourceKeyName != "" && r.sourceKeyFunction != "":
		return nil, NewConfigValidationError(object.TypeReduce,
			"Only one of sourceKeyName and sourceKeyFunction may be provided for Reduce")
	case strings.TrimSpace(r.addSource) == "":
		return nil, NewConfigValidationError(object.TypeReduce, "add function for Reduce not specified")
	case strings.TrimSpace(r.subtractSource) == "":
		return nil, NewConfigValidationError(object.TypeReduce, "subtract function for Reduce not specified")
	}

	if v, ok := config["targetValueName"]; ok {
		switch name := v.(type) {
		case string:
			r.targetValueName = name
		case nil:
			r.targetValueName = ""
		default:
			return nil, NewConfigValidationError(object.TypeReduce,
				"targetValueName for Reduce must be a string or null")
		}
	}

	if r.targetKeyName == "" {
		r.targetKeyName = defaultTargetKeyName
	}

	if r.sourceKeyName != "" {
		p, err := object.CompilePath(r.sourceKeyName)
		if err != nil {
			return nil, NewConfigValidationError(object.TypeReduce, "invalid sourceKeyName: %s", err)
		}
		r.sourceKey = p
	}

	return r, nil
}

func newReduceDefinition(v *View, config object.Object) (*ReduceDefinition, error) {
	r, err := parseReduce(config)
	if err != nil {
		return nil, err
	}
	r.definition = newDefinition(v, object.TypeReduce, config)
	return r, nil
}

// SourceTypes returns the single source type.
func (r *ReduceDefinition) SourceTypes() []string { return []string{r.sourceType} }

// SourceType returns the source type.
func (r *ReduceDefinition) SourceType() string { return r.sourceType }

// initScriptEngine compiles the functions on first use.
func (r *ReduceDefinition) initScriptEngine() error {
	if r.engine != nil {
		return nil
	}

	engine, err := r.newEngine()
	if err != nil {
		r.SetError(err.Error())
		return err
	}

	compile := func(name, source string) (script.Callable, error) {
		fn, err := engine.Compile(source)
		if err != nil {
			return nil, NewScriptCompileError(name, err)
		}
		return fn, nil
	}

	var add, subtract, keyFunction script.Callable
	add, err = compile("add", r.addSource)
	if err == nil {
		subtract, err = compile("subtract", r.subtractSource)
	}
	if err == nil && r.sourceKeyFunction != "" {
		keyFunction, err = compile("sourceKeyFunction", r.sourceKeyFunction)
	}
	if err != nil {
		engine.Release()
		r.SetError(err.Error())
		return err
	}

	r.engine, r.add, r.subtract, r.keyFunction = engine, add, subtract, keyFunction
	r.log.V(4).Info("script engine ready", "source-type", r.sourceType)

	return nil
}

// ReleaseScriptEngine drops the compiled functions.
func (r *ReduceDefinition) ReleaseScriptEngine() {
	r.releaseEngine()
	r.add, r.subtract, r.keyFunction = nil, nil, nil
}

// DefinitionCreated indexes the source key, the target key and the reduce tag, and folds every
// existing source object.
func (r *ReduceDefinition) DefinitionCreated() {
	if !r.IsActive() {
		return
	}

	source := r.partition().FindObjectTable(r.sourceType)
	if r.sourceKeyName != "" {
		if err := source.AddIndexOnProperty(r.sourceKeyName, "", r.sourceType); err != nil {
			r.SetError(NewStorageError("add index", err).Error())
			return
		}
	}
	for _, property := range []string{r.targetKeyName, object.FieldReduceUUID} {
		if err := r.table().AddIndexOnProperty(property, "", r.targetType); err != nil {
			r.SetError(NewStorageError("add index", err).Error())
			return
		}
	}

	definitionBackfills.WithLabelValues(r.targetType, r.kind).Inc()
	objs, err := source.GetObjects("", nil, r.sourceType)
	if err != nil {
		r.SetError(NewStorageError("list source objects", err).Error())
		return
	}

	r.log.V(2).Info("backfill", "source-type", r.sourceType, "objects", len(objs))
	for _, obj := range objs {
		r.UpdateObject(nil, obj)
		if !r.IsActive() {
			return
		}
	}
}

// UpdateObject folds a change of a source object into the bucket of its key. A change of the key
// is a subtract from the old bucket followed by an add to the new one.
func (r *ReduceDefinition) UpdateObject(before, after object.Object) {
	if !r.IsActive() {
		return
	}
	if err := r.initScriptEngine(); err != nil {
		return
	}
	if object.IsDeleted(after) {
		after = nil
	}
	if err := r.updateObject(before, after); err != nil {
		r.SetError(err.Error())
	}
}

func (r *ReduceDefinition) updateObject(before, after object.Object) error {
	beforeKey, err := r.keyOf(before)
	if err != nil {
		return err
	}
	afterKey, err := r.keyOf(after)
	if err != nil {
		return err
	}

	if before != nil && after != nil && !sameKey(beforeKey, afterKey) {
		if !script.IsUndefined(beforeKey) {
			if err := r.updateObject(before, nil); err != nil {
				return err
			}
		}
		before = nil
	}

	key := afterKey
	if after == nil {
		key = beforeKey
	}
	if script.IsUndefined(key) {
		return nil
	}

	bucket, err := r.findBucket(key)
	if err != nil {
		return err
	}

	value := r.bucketValue(bucket)
	if before != nil {
		if value, err = r.fold(r.subtract, "subtract", key, value, before); err != nil {
			return err
		}
	}
	if after != nil {
		if value, err = r.fold(r.add, "add", key, value, after); err != nil {
			return err
		}
	}

	var row object.Object
	switch {
	case script.IsUndefined(value) && bucket == nil:
		return nil
	case script.IsUndefined(value):
		row = object.MarkDeleted(bucket)
	default:
		row = r.makeRow(value)
		row[r.targetKeyName] = key
		if bucket != nil {
			row[object.FieldUUID] = bucket[object.FieldUUID]
			row[object.FieldVersion] = bucket[object.FieldVersion]
		}
	}

	r.log.V(5).Info("fold", "key", key, "row", object.String(row))

	if _, err := r.partition().UpdateObject(row, ViewObject); err != nil {
		return NewStorageError("write reduce row", err)
	}
	return nil
}

// keyOf extracts the grouping key, Undefined when the object or the key is missing.
func (r *ReduceDefinition) keyOf(obj object.Object) (any, error) {
	if obj == nil {
		return script.Undefined, nil
	}
	if r.keyFunction != nil {
		key, err := r.engine.Call(r.keyFunction, map[string]any(obj))
		if err != nil {
			return nil, NewScriptRuntimeError("sourceKeyFunction", err)
		}
		return key, nil
	}
	if v, ok := r.sourceKey.Get(obj); ok {
		return v, nil
	}
	return script.Undefined, nil
}

func sameKey(a, b any) bool {
	if script.IsUndefined(a) || script.IsUndefined(b) {
		return script.IsUndefined(a) && script.IsUndefined(b)
	}
	return keyString(a) == keyString(b) && fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

// findBucket returns the row of this definition for a key. Different definitions may share a
// key space in the same view.
func (r *ReduceDefinition) findBucket(key any) (object.Object, error) {
	rows, err := r.table().GetObjects(r.targetKeyName, key, r.targetType)
	if err != nil {
		return nil, NewStorageError("lookup reduce row", err)
	}
	for _, row := range rows {
		if object.GetString(row, object.FieldReduceUUID) == r.uuid {
			return row, nil
		}
	}
	return nil, nil
}

// bucketValue returns the previous fold value stored in a bucket.
func (r *ReduceDefinition) bucketValue(bucket object.Object) any {
	if bucket == nil {
		return script.Undefined
	}
	if r.targetValueName != "" {
		if v, ok := bucket[r.targetValueName]; ok {
			return v
		}
		return script.Undefined
	}
	return object.StripFields(bucket, object.FieldUUID, object.FieldVersion, object.FieldType,
		object.FieldReduceUUID, object.FieldOwner)
}

func (r *ReduceDefinition) fold(fn script.Callable, name string, key, value any, obj object.Object) (any, error) {
	ret, err := r.engine.Call(fn, key, value, map[string]any(obj))
	if err != nil {
		return nil, NewScriptRuntimeError(name, err)
	}
	return ret, nil
}

// makeRow wraps a fold value into a row.
func (r *ReduceDefinition) makeRow(value any) object.Object {
	row := object.Object{}
	if r.targetValueName != "" {
		row[r.targetValueName] = value
	} else if m, ok := value.(map[string]any); ok {
		row = object.StripFields(m, object.FieldUUID, object.FieldVersion, object.FieldOwner,
			object.FieldDeleted)
	}
	row[object.FieldType] = r.targetType
	row[object.FieldReduceUUID] = r.uuid
	return row
}
