package objecttable

import (
	"fmt"
	"sort"
	"strings"

	"github.com/l7mp/jsondb/pkg/object"
)

// Change is a before/after pair. A nil Before means the object was created, a nil After means it
// was deleted.
type Change struct {
	Before object.Object `json:"before,omitempty"`
	After  object.Object `json:"after,omitempty"`
}

// Type returns the type of the changed object, preferring the type before the change.
func (c Change) Type() string {
	if c.Before != nil {
		return object.GetType(c.Before)
	}
	return object.GetType(c.After)
}

// UUID returns the uuid of the changed object.
func (c Change) UUID() string {
	if c.Before != nil {
		return object.GetUUID(c.Before)
	}
	return object.GetUUID(c.After)
}

// ChangeSet is the result of a journal query.
type ChangeSet struct {
	// StartingState is the state the changes are relative to.
	StartingState uint64 `json:"startingStateNumber"`
	// State is the state after the changes.
	State uint64 `json:"currentStateNumber"`
	// Changes are the collapsed changes, ordered by the state of their last write.
	Changes []Change `json:"changes"`
}

// ChangesSince returns the changes committed after a state number up to the current state.
func (t *Table) ChangesSince(state uint64, types []string) (ChangeSet, error) {
	return t.ChangesBetween(state, t.StateNumber(), types)
}

// ChangesBetween returns the changes committed in the state interval (from, to], restricted to the
// given object types unless types is empty. Changes are collapsed to one per object: the first
// before and the last after. An object created and deleted in the interval does not appear. An
// update that changes the type of an object is reported as a delete of the old type and a create
// of the new one.
func (t *Table) ChangesBetween(from, to uint64, types []string) (ChangeSet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ChangeSet{}, ErrClosed
	}
	if to > t.state {
		to = t.state
	}

	sortedTypes := append([]string{}, types...)
	sort.Strings(sortedTypes)
	key := fmt.Sprintf("%d:%d:%s", from, to, strings.Join(sortedTypes, ","))
	if cs, ok := t.changes[key]; ok {
		return cs.deepCopy(), nil
	}

	typeSet := map[string]bool{}
	for _, typ := range types {
		typeSet[typ] = true
	}
	match := func(obj object.Object) bool {
		return obj != nil && (len(typeSet) == 0 || typeSet[object.GetType(obj)])
	}

	// journal is ordered by state
	lo := sort.Search(len(t.journal), func(i int) bool { return t.journal[i].State > from })
	order := []string{}
	collapsed := map[string]*Change{}
	for _, e := range t.journal[lo:] {
		if e.State > to {
			break
		}
		if c, ok := collapsed[e.UUID]; ok {
			c.After = e.After
			// move to the back so that the order follows the last write
			for i, id := range order {
				if id == e.UUID {
					order = append(order[:i], order[i+1:]...)
					break
				}
			}
			order = append(order, e.UUID)
			continue
		}
		collapsed[e.UUID] = &Change{Before: e.Before, After: e.After}
		order = append(order, e.UUID)
	}

	cs := ChangeSet{StartingState: from, State: to, Changes: []Change{}}
	for _, id := range order {
		c := collapsed[id]
		switch {
		case c.Before == nil && c.After == nil:
			continue
		case c.Before != nil && c.After != nil && object.GetType(c.Before) != object.GetType(c.After):
			if match(c.Before) {
				cs.Changes = append(cs.Changes, Change{Before: c.Before})
			}
			if match(c.After) {
				cs.Changes = append(cs.Changes, Change{After: c.After})
			}
		case match(c.Before) || match(c.After):
			cs.Changes = append(cs.Changes, *c)
		}
	}

	t.changes[key] = cs
	return cs.deepCopy(), nil
}

func (cs ChangeSet) deepCopy() ChangeSet {
	ret := ChangeSet{StartingState: cs.StartingState, State: cs.State, Changes: make([]Change, len(cs.Changes))}
	for i, c := range cs.Changes {
		ret.Changes[i] = Change{Before: object.DeepCopy(c.Before), After: object.DeepCopy(c.After)}
	}
	return ret
}

// FlushCaches drops the cached journal query results.
func (t *Table) FlushCaches() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changes = map[string]ChangeSet{}
}
