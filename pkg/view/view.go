package view

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/l7mp/jsondb/pkg/object"
	"github.com/l7mp/jsondb/pkg/objecttable"
	"github.com/l7mp/jsondb/pkg/script"
)

// State is the update state of a view.
type State int

const (
	// Idle means no update pass is running.
	Idle State = iota
	// Updating means an update pass is running. Reentrant update requests are ignored.
	Updating
)

// String returns the name of the state.
func (s State) String() string {
	if s == Updating {
		return "Updating"
	}
	return "Idle"
}

// definitionKinds are the record types the schema pass watches.
var definitionKinds = []string{object.TypeMap, object.TypeReduce}

// SandboxFactory creates the script sandbox of a definition.
type SandboxFactory func(log logr.Logger) (script.Sandbox, error)

// Options configures a view.
type Options struct {
	// Sandbox creates script sandboxes. Defaults to the otto engine.
	Sandbox SandboxFactory
	// ScriptTimeout bounds a single user function call of the default sandbox.
	ScriptTimeout time.Duration
	// Logger is the base logger.
	Logger logr.Logger
}

// UpdateHandler is called after a view committed an update pass.
type UpdateHandler func(v *View, state uint64)

type sourceTable struct {
	table Table
	types []string
}

// View maintains the rows of a view type from the definitions targeting it. The view table is
// brought up to date lazily: UpdateView replays the source changes committed since the last pass
// and commits the view table at the state number of the main table.
type View struct {
	viewType  string
	partition Partition
	table     Table

	definitions       map[string]Definition
	mapDefinitions    map[string]*MapDefinition
	reduceDefinitions map[string]*ReduceDefinition
	sourceTypes       []string
	sourceTables      map[string]*sourceTable

	state      State
	observers  []UpdateHandler
	newSandbox SandboxFactory

	logger, log logr.Logger
}

// New creates a view of a type on a view table.
func New(viewType string, p Partition, table Table, opts Options) *View {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	v := &View{
		viewType:          viewType,
		partition:         p,
		table:             table,
		definitions:       map[string]Definition{},
		mapDefinitions:    map[string]*MapDefinition{},
		reduceDefinitions: map[string]*ReduceDefinition{},
		sourceTypes:       []string{},
		sourceTables:      map[string]*sourceTable{},
		newSandbox:        opts.Sandbox,
		logger:            logger,
		log:               logger.WithName("view").WithValues("view", viewType),
	}

	if v.newSandbox == nil {
		timeout := opts.ScriptTimeout
		v.newSandbox = func(log logr.Logger) (script.Sandbox, error) {
			return script.New(script.Options{Timeout: timeout, Logger: log})
		}
	}

	return v
}

// ViewType returns the type of the view.
func (v *View) ViewType() string { return v.viewType }

// Table returns the view table.
func (v *View) Table() Table { return v.table }

// StateNumber returns the main table state the view was last synchronized to.
func (v *View) StateNumber() uint64 { return v.table.StateNumber() }

// State returns the update state.
func (v *View) State() State { return v.state }

// SourceTypes returns the types read by the definitions of the view.
func (v *View) SourceTypes() []string { return append([]string{}, v.sourceTypes...) }

// Definitions returns the registered definitions, sorted by uuid.
func (v *View) Definitions() []Definition {
	ret := make([]Definition, 0, len(v.definitions))
	for _, uuid := range sortedKeys(v.definitions) {
		ret = append(ret, v.definitions[uuid])
	}
	return ret
}

// Definition returns a definition by uuid or nil.
func (v *View) Definition(uuid string) Definition {
	if d, ok := v.definitions[uuid]; ok {
		return d
	}
	return nil
}

// MapDefinition returns the Map definition of a source type or nil.
func (v *View) MapDefinition(sourceType string) *MapDefinition { return v.mapDefinitions[sourceType] }

// ReduceDefinition returns the Reduce definition of a source type or nil.
func (v *View) ReduceDefinition(sourceType string) *ReduceDefinition {
	return v.reduceDefinitions[sourceType]
}

// OnUpdated registers a handler called after each committed update pass.
func (v *View) OnUpdated(h UpdateHandler) { v.observers = append(v.observers, h) }

// IsActive returns true if at least one definition of the view is active.
func (v *View) IsActive() bool {
	for _, d := range v.definitions {
		if d.IsActive() {
			return true
		}
	}
	return false
}

// CreateDefinition registers a Map or Reduce record. A record with the uuid of a registered
// definition replaces it. A record claiming a source type an active definition of the same kind
// already maps into this view is rejected: it is marked faulted and not registered.
func (v *View) CreateDefinition(config object.Object) (Definition, error) {
	switch object.GetType(config) {
	case object.TypeMap:
		return v.CreateMapDefinition(config)
	case object.TypeReduce:
		return v.CreateReduceDefinition(config)
	}
	return nil, fmt.Errorf("unknown definition type %q", object.GetType(config))
}

// CreateMapDefinition registers a Map record.
func (v *View) CreateMapDefinition(config object.Object) (*MapDefinition, error) {
	m, err := newMapDefinition(v, config)
	if err != nil {
		return nil, err
	}
	v.RemoveDefinition(m.uuid)

	for _, sourceType := range m.sourceTypes {
		if prev, ok := v.mapDefinitions[sourceType]; ok && prev.IsActive() && prev.uuid != m.uuid {
			return nil, v.rejectDuplicate(m, sourceType)
		}
	}

	v.definitions[m.uuid] = m
	for _, sourceType := range m.sourceTypes {
		v.mapDefinitions[sourceType] = m
	}
	v.refreshSources()

	v.log.V(2).Info("definition registered", "kind", m.kind, "uuid", m.uuid,
		"source-types", m.sourceTypes, "join", m.join)

	return m, nil
}

// CreateReduceDefinition registers a Reduce record.
func (v *View) CreateReduceDefinition(config object.Object) (*ReduceDefinition, error) {
	r, err := newReduceDefinition(v, config)
	if err != nil {
		return nil, err
	}
	v.RemoveDefinition(r.uuid)

	if prev, ok := v.reduceDefinitions[r.sourceType]; ok && prev.IsActive() && prev.uuid != r.uuid {
		return nil, v.rejectDuplicate(r, r.sourceType)
	}

	v.definitions[r.uuid] = r
	v.reduceDefinitions[r.sourceType] = r
	v.refreshSources()

	v.log.V(2).Info("definition registered", "kind", r.kind, "uuid", r.uuid,
		"source-type", r.sourceType)

	return r, nil
}

// rejectDuplicate faults a definition that collides with an active one. A record that is already
// inactive keeps its stored fault.
func (v *View) rejectDuplicate(d Definition, sourceType string) error {
	err := NewDuplicateDefinitionError(d.Kind(), sourceType, v.viewType)
	if d.IsActive() {
		d.SetError(err.Error())
	}
	return err
}

// RemoveDefinition unregisters a definition and releases its sandbox. The rows of the definition
// are removed by the next update pass.
func (v *View) RemoveDefinition(uuid string) {
	d, ok := v.definitions[uuid]
	if !ok {
		return
	}
	delete(v.definitions, uuid)
	d.ReleaseScriptEngine()

	for sourceType, m := range v.mapDefinitions {
		if m.uuid == uuid {
			delete(v.mapDefinitions, sourceType)
		}
	}
	for sourceType, r := range v.reduceDefinitions {
		if r.uuid == uuid {
			delete(v.reduceDefinitions, sourceType)
		}
	}
	v.refreshSources()

	v.log.V(2).Info("definition removed", "kind", d.Kind(), "uuid", uuid)
}

// refreshSources recomputes the source types and groups them by the table hosting them.
func (v *View) refreshSources() {
	types := map[string]bool{}
	for _, d := range v.definitions {
		for _, t := range d.SourceTypes() {
			types[t] = true
		}
	}
	v.sourceTypes = sortedKeys(types)

	v.sourceTables = map[string]*sourceTable{}
	for _, t := range v.sourceTypes {
		table := v.partition.FindObjectTable(t)
		st, ok := v.sourceTables[table.Name()]
		if !ok {
			st = &sourceTable{table: table}
			v.sourceTables[table.Name()] = st
		}
		st.types = append(st.types, t)
	}
}

// UpdateView brings the view up to date with the main table. Source views are updated first. A
// non-zero desired state makes the call a no-op once the view reached it. Definition faults do not
// fail the pass: the faulted definition is deactivated and its rows are left as they are.
func (v *View) UpdateView(desired uint64) error {
	if v.state == Updating {
		return nil
	}

	sourceState := v.partition.MainTable().StateNumber()
	viewState := v.table.StateNumber()
	if viewState == sourceState || (desired != 0 && viewState >= desired) {
		return nil
	}

	v.state = Updating
	defer func() { v.state = Idle }()

	start := time.Now()
	v.refreshSources()

	for _, sourceType := range v.sourceTypes {
		if sv := v.partition.FindView(sourceType); sv != nil && sv != v {
			if err := sv.UpdateView(sourceState); err != nil {
				return fmt.Errorf("failed to update source view %s: %w", sourceType, err)
			}
		}
	}

	if !v.table.InTransaction() {
		if err := v.table.Begin(); err != nil {
			return NewStorageError("begin", err)
		}
	}

	v.log.V(3).Info("update pass", "from", viewState, "to", sourceState)

	if err := v.update(viewState, sourceState); err != nil {
		if aerr := v.table.Abort(); aerr != nil {
			v.log.Error(aerr, "abort failed")
		}
		updatePasses.WithLabelValues(v.viewType, "aborted").Inc()
		return err
	}

	if err := v.table.Commit(sourceState); err != nil {
		if v.table.InTransaction() {
			if aerr := v.table.Abort(); aerr != nil {
				v.log.Error(aerr, "abort failed")
			}
		}
		updatePasses.WithLabelValues(v.viewType, "aborted").Inc()
		return NewStorageError("commit", err)
	}

	updatePasses.WithLabelValues(v.viewType, "committed").Inc()
	updatePassDuration.WithLabelValues(v.viewType).Observe(time.Since(start).Seconds())
	v.log.V(3).Info("update pass committed", "state", sourceState)

	for _, h := range v.observers {
		h(v, sourceState)
	}

	return nil
}

func (v *View) update(viewState, sourceState uint64) error {
	processed := map[string]bool{}

	// definition records created, changed or deleted in the interval
	cs, err := v.partition.MainTable().ChangesBetween(viewState, sourceState, definitionKinds)
	if err != nil {
		return NewStorageError("read definition changes", err)
	}
	for _, c := range cs.Changes {
		if isBookkeeping(c) {
			continue
		}
		if c.Before != nil && object.GetString(c.Before, "targetType") == v.viewType {
			n, err := removeDefinitionRows(v.partition, v.table, c.Before)
			if err != nil {
				return err
			}
			processed[object.GetUUID(c.Before)] = true
			v.log.V(4).Info("definition rows removed", "uuid", object.GetUUID(c.Before), "rows", n)
		}
		if c.After != nil && object.GetString(c.After, "targetType") == v.viewType {
			uuid := object.GetUUID(c.After)
			processed[uuid] = true
			if d := v.Definition(uuid); d != nil && d.IsActive() {
				d.DefinitionCreated()
			}
		}
		processedChanges.WithLabelValues(v.viewType, "definition").Inc()
	}

	// source objects
	for _, name := range sortedKeys(v.sourceTables) {
		st := v.sourceTables[name]
		if st.table.StateNumber() <= viewState {
			continue
		}

		cs, err := st.table.ChangesBetween(viewState, sourceState, st.types)
		if err != nil {
			return NewStorageError("read source changes", err)
		}

		for _, c := range cs.Changes {
			if m := v.pickMap(c); m != nil && !processed[m.uuid] {
				m.UpdateObject(c.Before, c.After)
			}
			if r := v.pickReduce(c); r != nil && !processed[r.uuid] {
				r.UpdateObject(c.Before, c.After)
			}
			processedChanges.WithLabelValues(v.viewType, "object").Inc()
		}
	}

	return nil
}

func (v *View) pickMap(c objecttable.Change) *MapDefinition {
	if c.Before != nil {
		if m, ok := v.mapDefinitions[object.GetType(c.Before)]; ok {
			return m
		}
	}
	if c.After != nil {
		return v.mapDefinitions[object.GetType(c.After)]
	}
	return nil
}

func (v *View) pickReduce(c objecttable.Change) *ReduceDefinition {
	if c.Before != nil {
		if r, ok := v.reduceDefinitions[object.GetType(c.Before)]; ok {
			return r
		}
	}
	if c.After != nil {
		return v.reduceDefinitions[object.GetType(c.After)]
	}
	return nil
}

// isBookkeeping returns true for a definition record change that only records a fault.
func isBookkeeping(c objecttable.Change) bool {
	if c.Before == nil || c.After == nil || object.IsActive(c.After) {
		return false
	}
	strip := []string{object.FieldActive, object.FieldError, object.FieldVersion}
	return object.DeepEqual(object.StripFields(c.Before, strip...), object.StripFields(c.After, strip...))
}

// ReduceMemoryUsage drops the compiled scripts and the journal caches.
func (v *View) ReduceMemoryUsage() {
	for _, d := range v.definitions {
		d.ReleaseScriptEngine()
	}
	v.table.FlushCaches()
}

// String returns a summary of the view.
func (v *View) String() string {
	kinds := []string{}
	for _, d := range v.Definitions() {
		kinds = append(kinds, d.Kind()+":"+d.UUID())
	}
	sort.Strings(kinds)
	return fmt.Sprintf("view<%s>{state=%d, definitions=%v}", v.viewType, v.StateNumber(), kinds)
}
