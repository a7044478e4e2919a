// Package objecttable implements the versioned object table the partition and the views store
// documents in.
//
// A table holds the current version of every object keyed by uuid, plus a change journal:
//   - every committed batch of writes advances the table's state number,
//   - every write is journaled as a before/after pair tagged with the state it was committed at,
//   - changes between two state numbers can be queried, collapsed per object, and
//   - writes are grouped into transactions that commit at an explicit state number.
//
// Property indexes speed up GetObjects. A table is kept in memory and is optionally backed by a
// bbolt file.
package objecttable

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	bolt "go.etcd.io/bbolt"

	"github.com/l7mp/jsondb/pkg/object"
)

// Options configures an object table.
type Options struct {
	// Path is the bbolt file backing the table. Empty means in-memory.
	Path string
	// Logger is the base logger.
	Logger logr.Logger
}

// Table is a versioned object table.
type Table struct {
	name    string
	mu      sync.RWMutex
	state   uint64
	objects map[string]object.Object
	journal []entry
	indexes map[string]*index
	tx      *txn
	changes map[string]ChangeSet
	db      *bolt.DB
	closed  bool
	log     logr.Logger
}

// entry is a journaled write.
type entry struct {
	State  uint64        `json:"state"`
	UUID   string        `json:"uuid"`
	Before object.Object `json:"before,omitempty"`
	After  object.Object `json:"after,omitempty"`
}

type txn struct {
	// uuid -> committed object before the transaction touched it, nil if it did not exist
	undo    map[string]object.Object
	pending []entry
}

// New creates a table.
func New(name string, opts Options) (*Table, error) {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	t := &Table{
		name:    name,
		objects: map[string]object.Object{},
		journal: []entry{},
		indexes: map[string]*index{},
		changes: map[string]ChangeSet{},
		log:     logger.WithName("objecttable").WithValues("table", name),
	}

	// the type index is built-in
	t.indexes[object.FieldType] = newIndex(object.FieldType, object.MustCompilePath(object.FieldType), "")

	if opts.Path != "" {
		if err := t.open(opts.Path); err != nil {
			return nil, err
		}
	}

	t.log.V(2).Info("object table ready", "state", t.state, "objects", len(t.objects),
		"persistent", t.db != nil)

	return t, nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// StateNumber returns the last committed state number.
func (t *Table) StateNumber() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Begin opens a transaction.
func (t *Table) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.tx != nil {
		return ErrTransactionInProgress
	}
	t.tx = &txn{undo: map[string]object.Object{}}
	return nil
}

// InTransaction returns true if a transaction is open.
func (t *Table) InTransaction() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tx != nil
}

// Commit commits the open transaction at the given state number. A zero state means the next state
// number. Committing at the current state is allowed only for empty transactions, and the state
// number never moves backwards.
func (t *Table) Commit(state uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tx == nil {
		return ErrNoTransaction
	}
	return t.commit(state)
}

func (t *Table) commit(state uint64) error {
	tx := t.tx
	if state == 0 {
		state = t.state + 1
	}

	switch {
	case state < t.state:
		t.rollback()
		return fmt.Errorf("%w: commit at %d, table at %d", ErrStateRegression, state, t.state)
	case state == t.state && len(tx.pending) > 0:
		t.rollback()
		return fmt.Errorf("%w: non-empty commit at current state %d", ErrStateRegression, state)
	}

	for i := range tx.pending {
		tx.pending[i].State = state
	}

	if t.db != nil {
		if err := t.persist(state, tx); err != nil {
			t.rollback()
			return err
		}
	}

	t.journal = append(t.journal, tx.pending...)
	t.state = state
	t.tx = nil

	t.log.V(5).Info("commit", "state", state, "changes", len(tx.pending))

	return nil
}

// Abort rolls back the open transaction.
func (t *Table) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tx == nil {
		return ErrNoTransaction
	}
	t.rollback()
	return nil
}

func (t *Table) rollback() {
	for uuid, prev := range t.tx.undo {
		t.setObject(uuid, prev)
	}
	t.log.V(5).Info("abort", "changes", len(t.tx.pending))
	t.tx = nil
}

// Get returns an object by uuid. Inside a transaction pending writes are visible.
func (t *Table) Get(uuid string) (object.Object, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	obj, ok := t.objects[uuid]
	if !ok {
		return nil, false
	}
	return object.DeepCopy(obj), true
}

// Len returns the number of objects.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}

// Put writes an object. Objects without a uuid get a new one. If the object carries a version it
// must match the stored one. An unchanged object is not rewritten. Outside a transaction the write
// is committed at the next state number.
func (t *Table) Put(obj object.Object) (object.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	obj, err := object.NormalizeObject(obj)
	if err != nil {
		return nil, fmt.Errorf("invalid object: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("invalid object: nil")
	}
	if object.GetType(obj) == "" {
		return nil, fmt.Errorf("invalid object: missing %s", object.FieldType)
	}
	delete(obj, object.FieldDeleted)
	uuid := object.WithUUID(obj)

	prev, exists := t.objects[uuid]
	if v := object.GetVersion(obj); v != "" && exists && v != object.GetVersion(prev) {
		return nil, fmt.Errorf("%w: object %s has version %s, write carries %s", ErrVersionConflict,
			uuid, object.GetVersion(prev), v)
	}

	if exists && object.DeepEqual(contentOf(prev), contentOf(obj)) {
		return object.DeepCopy(prev), nil
	}

	obj[object.FieldVersion] = nextVersion(prev, obj)

	if err := t.write(uuid, prev, obj); err != nil {
		return nil, err
	}

	return object.DeepCopy(obj), nil
}

// Delete removes an object.
func (t *Table) Delete(uuid string) (object.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	prev, exists := t.objects[uuid]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}

	if err := t.write(uuid, prev, nil); err != nil {
		return nil, err
	}

	return object.MarkDeleted(prev), nil
}

// write records a change, autocommitting when no transaction is open.
func (t *Table) write(uuid string, prev, obj object.Object) error {
	auto := t.tx == nil
	if auto {
		t.tx = &txn{undo: map[string]object.Object{}}
	}

	if _, ok := t.tx.undo[uuid]; !ok {
		t.tx.undo[uuid] = prev
	}
	t.tx.pending = append(t.tx.pending, entry{UUID: uuid, Before: prev, After: obj})
	t.setObject(uuid, obj)

	if auto {
		return t.commit(0)
	}
	return nil
}

// setObject stores or removes an object and maintains the indexes.
func (t *Table) setObject(uuid string, obj object.Object) {
	prev := t.objects[uuid]
	for _, idx := range t.indexes {
		idx.remove(uuid, prev)
		idx.add(uuid, obj)
	}
	if obj == nil {
		delete(t.objects, uuid)
		return
	}
	t.objects[uuid] = obj
}

// contentOf strips the fields managed by the table.
func contentOf(obj object.Object) object.Object {
	return object.StripFields(obj, object.FieldVersion, object.FieldDeleted)
}

// nextVersion returns "<n>-<hash>" where n counts the updates of the object.
func nextVersion(prev, obj object.Object) string {
	n := uint64(0)
	if v := object.GetVersion(prev); v != "" {
		if i := strings.IndexByte(v, '-'); i > 0 {
			n, _ = strconv.ParseUint(v[:i], 10, 64)
		}
	}
	b, _ := json.Marshal(contentOf(obj))
	hash := sha256.Sum256(b)
	return fmt.Sprintf("%d-%x", n+1, hash[0:5])
}

// GetObjects returns the objects whose property holds the value, restricted to a type unless the
// type is empty. An empty property name returns every object (of the type). "_uuid" is resolved
// without an index, other properties use an index if one was added and scan otherwise.
func (t *Table) GetObjects(property string, value any, objectType string) ([]object.Object, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrClosed
	}

	uuids := []string{}
	switch {
	case property == object.FieldUUID:
		id, _ := value.(string)
		if _, ok := t.objects[id]; ok {
			uuids = append(uuids, id)
		}

	case property == "":
		if objectType != "" {
			uuids = t.indexes[object.FieldType].lookup(objectType)
		} else {
			for id := range t.objects {
				uuids = append(uuids, id)
			}
		}

	default:
		key, err := indexKey(value)
		if err != nil {
			return nil, fmt.Errorf("invalid lookup value for %q: %w", property, err)
		}

		if idx := t.findIndex(property, objectType); idx != nil {
			uuids = idx.lookupKey(key)
		} else {
			path, err := object.CompilePath(property)
			if err != nil {
				return nil, err
			}
			for id, obj := range t.objects {
				if objectType != "" && object.GetType(obj) != objectType {
					continue
				}
				if matchesKey(path, obj, key) {
					uuids = append(uuids, id)
				}
			}
		}
	}

	sort.Strings(uuids)
	ret := make([]object.Object, 0, len(uuids))
	for _, id := range uuids {
		obj := t.objects[id]
		if objectType != "" && object.GetType(obj) != objectType {
			continue
		}
		ret = append(ret, object.DeepCopy(obj))
	}

	return ret, nil
}

// Close releases the backing store.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.tx != nil {
		t.rollback()
	}
	if t.db != nil {
		return t.db.Close()
	}
	return nil
}
