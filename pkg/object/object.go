// Package object provides the JSON document type stored in object tables and the helpers used to
// read and stamp the system-managed fields.
//
// Documents are plain `map[string]any` values holding canonical JSON types:
//   - objects as `map[string]any`,
//   - arrays as `[]any`,
//   - numbers as `float64`, and
//   - strings, booleans and nil.
//
// Fields starting with an underscore are reserved for the database.
package object

import (
	"encoding/json"
	"fmt"
)

// Object is a JSON document.
type Object = map[string]any

// System fields.
const (
	FieldUUID        = "_uuid"
	FieldVersion     = "_version"
	FieldType        = "_type"
	FieldDeleted     = "_deleted"
	FieldOwner       = "_owner"
	FieldID          = "_id"
	FieldSourceUUIDs = "_sourceUuids"
	FieldReduceUUID  = "_reduceUuid"
	FieldActive      = "_active"
	FieldError       = "_error"
)

// Built-in type names.
const (
	TypeMap    = "Map"
	TypeReduce = "Reduce"
	TypeView   = "View"
	TypeSchema = "_schemaType"
)

// New creates a new document of the given type.
func New(typ string) Object {
	return Object{FieldType: typ}
}

// NewFromPairs creates a document from key-value pairs. Values are normalized to canonical JSON.
func NewFromPairs(pairs ...any) (Object, error) {
	if len(pairs)%2 != 0 {
		return nil, fmt.Errorf("odd number of key-value arguments")
	}
	obj := Object{}
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			return nil, fmt.Errorf("key at position %d is not a string", i)
		}
		obj[key] = pairs[i+1]
	}
	return NormalizeObject(obj)
}

func getString(obj Object, field string) string {
	if obj == nil {
		return ""
	}
	s, _ := obj[field].(string)
	return s
}

// GetUUID returns the uuid of a document or an empty string.
func GetUUID(obj Object) string { return getString(obj, FieldUUID) }

// GetType returns the type of a document or an empty string.
func GetType(obj Object) string { return getString(obj, FieldType) }

// GetVersion returns the version of a document or an empty string.
func GetVersion(obj Object) string { return getString(obj, FieldVersion) }

// GetString returns a string field.
func GetString(obj Object, field string) string { return getString(obj, field) }

// IsDeleted returns true for nil documents and for tombstones.
func IsDeleted(obj Object) bool {
	if obj == nil {
		return true
	}
	d, _ := obj[FieldDeleted].(bool)
	return d
}

// MarkDeleted returns a tombstone for a document: a copy that keeps only the identity fields.
func MarkDeleted(obj Object) Object {
	ret := Object{FieldDeleted: true}
	for _, f := range []string{FieldUUID, FieldType, FieldVersion} {
		if v, ok := obj[f]; ok {
			ret[f] = v
		}
	}
	return ret
}

// IsActive reports the system-managed active flag of a definition record. Missing means active.
func IsActive(obj Object) bool {
	if obj == nil {
		return false
	}
	a, ok := obj[FieldActive].(bool)
	return !ok || a
}

// StripFields returns a shallow copy of the document without the given fields.
func StripFields(obj Object, fields ...string) Object {
	ret := make(Object, len(obj))
	for k, v := range obj {
		ret[k] = v
	}
	for _, f := range fields {
		delete(ret, f)
	}
	return ret
}

// DeepCopy copies a document recursively.
func DeepCopy(obj Object) Object {
	if obj == nil {
		return nil
	}
	return DeepCopyValue(obj).(Object)
}

// DeepCopyValue copies a JSON value recursively.
func DeepCopyValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		ret := make(map[string]any, len(v))
		for k, e := range v {
			ret[k] = DeepCopyValue(e)
		}
		return ret
	case []any:
		ret := make([]any, len(v))
		for i, e := range v {
			ret[i] = DeepCopyValue(e)
		}
		return ret
	case []string:
		ret := make([]any, len(v))
		for i, e := range v {
			ret[i] = e
		}
		return ret
	default:
		return v
	}
}

// Normalize converts a value to canonical JSON types.
func Normalize(val any) (any, error) {
	b, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	var ret any
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// NormalizeObject converts a document to canonical JSON types.
func NormalizeObject(obj Object) (Object, error) {
	if obj == nil {
		return nil, nil
	}
	v, err := Normalize(obj)
	if err != nil {
		return nil, err
	}
	ret, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document normalized to %T", v)
	}
	return ret, nil
}

// DeepEqual compares two documents by their canonical JSON encoding. Map keys are sorted by the
// encoder so the result does not depend on map iteration order.
func DeepEqual(a, b Object) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}

// String renders a document as JSON for logging.
func String(obj Object) string {
	b, err := json.Marshal(obj)
	if err != nil {
		return fmt.Sprintf("%#v", obj)
	}
	return string(b)
}
