package objecttable

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/l7mp/jsondb/pkg/object"
)

// index maps the JSON encoding of property values to the uuids of the objects holding them.
type index struct {
	name       string
	path       *object.Path
	valueType  string
	objectType string
	entries    map[string]map[string]struct{}
}

func newIndex(name string, path *object.Path, objectType string) *index {
	return &index{
		name:       name,
		path:       path,
		objectType: objectType,
		entries:    map[string]map[string]struct{}{},
	}
}

func indexName(property, objectType string) string {
	if objectType == "" {
		return property
	}
	return objectType + "/" + property
}

func indexKey(value any) (string, error) {
	v, err := object.Normalize(value)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func matchesKey(path *object.Path, obj object.Object, key string) bool {
	for _, v := range path.Values(obj) {
		if k, err := indexKey(v); err == nil && k == key {
			return true
		}
	}
	return false
}

func (idx *index) keys(obj object.Object) []string {
	if obj == nil || (idx.objectType != "" && object.GetType(obj) != idx.objectType) {
		return nil
	}
	ret := []string{}
	for _, v := range idx.path.Values(obj) {
		if k, err := indexKey(v); err == nil {
			ret = append(ret, k)
		}
	}
	return ret
}

func (idx *index) add(uuid string, obj object.Object) {
	for _, k := range idx.keys(obj) {
		set, ok := idx.entries[k]
		if !ok {
			set = map[string]struct{}{}
			idx.entries[k] = set
		}
		set[uuid] = struct{}{}
	}
}

func (idx *index) remove(uuid string, obj object.Object) {
	for _, k := range idx.keys(obj) {
		if set, ok := idx.entries[k]; ok {
			delete(set, uuid)
			if len(set) == 0 {
				delete(idx.entries, k)
			}
		}
	}
}

func (idx *index) lookup(value any) []string {
	key, err := indexKey(value)
	if err != nil {
		return []string{}
	}
	return idx.lookupKey(key)
}

func (idx *index) lookupKey(key string) []string {
	ret := make([]string, 0, len(idx.entries[key]))
	for id := range idx.entries[key] {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}

// findIndex returns a usable index for a property: one restricted to the object type or a
// type-agnostic one.
func (t *Table) findIndex(property, objectType string) *index {
	if objectType != "" {
		if idx, ok := t.indexes[indexName(property, objectType)]; ok {
			return idx
		}
	}
	return t.indexes[property]
}

// AddIndexOnProperty creates an index on a dotted property path, optionally restricted to a type.
// A "*" path segment indexes every array element. Adding an existing index is a no-op.
func (t *Table) AddIndexOnProperty(property, valueType, objectType string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	name := indexName(property, objectType)
	if _, ok := t.indexes[name]; ok {
		return nil
	}

	path, err := object.CompilePath(property)
	if err != nil {
		return fmt.Errorf("cannot index property %q: %w", property, err)
	}

	idx := newIndex(name, path, objectType)
	idx.valueType = valueType
	for id, obj := range t.objects {
		idx.add(id, obj)
	}
	t.indexes[name] = idx

	t.log.V(4).Info("index added", "property", property, "value-type", valueType,
		"object-type", objectType, "entries", len(idx.entries))

	return nil
}

// Indexes returns the names of the indexes.
func (t *Table) Indexes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ret := make([]string, 0, len(t.indexes))
	for name := range t.indexes {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}
