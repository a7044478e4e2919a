package view

import (
	"errors"
	"sort"

	"github.com/go-logr/logr"

	"github.com/l7mp/jsondb/pkg/object"
	"github.com/l7mp/jsondb/pkg/objecttable"
	"github.com/l7mp/jsondb/pkg/script"
)

// UpdateMode selects how the partition treats a write.
type UpdateMode int

const (
	// Normal is a user write: definition records are validated and registered.
	Normal UpdateMode = iota
	// Replace rewrites a stored record as is, without validation or registration.
	Replace
	// ViewObject writes a view row into the table of the view, bypassing authorship checks.
	ViewObject
)

// String returns the name of the mode.
func (m UpdateMode) String() string {
	switch m {
	case Normal:
		return "Normal"
	case Replace:
		return "Replace"
	case ViewObject:
		return "ViewObject"
	}
	return "Unknown"
}

// Table is the versioned object table a view reads from and writes to.
type Table interface {
	Name() string
	StateNumber() uint64
	Begin() error
	Commit(state uint64) error
	Abort() error
	InTransaction() bool
	GetObjects(property string, value any, objectType string) ([]object.Object, error)
	ChangesBetween(from, to uint64, types []string) (objecttable.ChangeSet, error)
	AddIndexOnProperty(property, valueType, objectType string) error
	FlushCaches()
}

// Partition is the collection of tables and views a view lives in. The state number of the main
// table is the clock all views are synchronized to.
type Partition interface {
	// MainTable returns the table of regular objects and definition records.
	MainTable() Table
	// FindObjectTable returns the table hosting a type: the view table for view types, the main
	// table otherwise.
	FindObjectTable(objectType string) Table
	// FindView returns the view of a type or nil.
	FindView(viewType string) *View
	// Views returns all views.
	Views() []*View
	// GetObject returns an object by uuid.
	GetObject(uuid, objectType string) (object.Object, error)
	// UpdateObject writes an object. Tombstones delete.
	UpdateObject(obj object.Object, mode UpdateMode) (object.Object, error)
}

// Definition is a Map or a Reduce rule of a view.
type Definition interface {
	// UUID returns the uuid of the definition record.
	UUID() string
	// Kind returns "Map" or "Reduce".
	Kind() string
	// TargetType returns the view type the definition writes.
	TargetType() string
	// SourceTypes returns the types the definition reads.
	SourceTypes() []string
	// IsActive returns false once the definition faulted.
	IsActive() bool
	// LastError returns the fault message.
	LastError() string
	// Config returns the definition record.
	Config() object.Object
	// UpdateObject applies a source change.
	UpdateObject(before, after object.Object)
	// SetError marks the definition inactive and persists the message on the record.
	SetError(message string)
	// DefinitionCreated runs the full backfill.
	DefinitionCreated()
	// ReleaseScriptEngine drops the compiled functions, they are recompiled on demand.
	ReleaseScriptEngine()
}

// definition holds what Map and Reduce definitions share.
type definition struct {
	kind, uuid, targetType string
	config                 object.Object
	active                 bool
	lastError              string
	view                   *View
	engine                 script.Sandbox
	logger, log            logr.Logger
}

func newDefinition(v *View, kind string, config object.Object) definition {
	uuid := object.GetUUID(config)
	return definition{
		kind:       kind,
		uuid:       uuid,
		targetType: object.GetString(config, "targetType"),
		config:     object.DeepCopy(config),
		active:     object.IsActive(config),
		lastError:  object.GetString(config, object.FieldError),
		view:       v,
		logger:     v.logger,
		log:        v.log.WithValues("kind", kind, "definition", uuid),
	}
}

func (d *definition) UUID() string          { return d.uuid }
func (d *definition) Kind() string          { return d.kind }
func (d *definition) TargetType() string    { return d.targetType }
func (d *definition) IsActive() bool        { return d.active }
func (d *definition) LastError() string     { return d.lastError }
func (d *definition) Config() object.Object { return object.DeepCopy(d.config) }

func (d *definition) partition() Partition { return d.view.partition }

func (d *definition) table() Table { return d.view.table }

// SetError marks the definition inactive and writes the fault onto the definition record.
func (d *definition) SetError(message string) {
	d.active = false
	d.lastError = message
	d.log.Error(errors.New(message), "definition faulted")
	definitionFaults.WithLabelValues(d.targetType, d.kind).Inc()

	cfg := object.DeepCopy(d.config)
	cfg[object.FieldActive] = false
	cfg[object.FieldError] = message
	d.config = cfg

	if _, err := d.partition().UpdateObject(cfg, Replace); err != nil {
		d.log.Error(err, "failed to persist definition fault")
	}
}

// newEngine creates a sandbox with the host functions shared by every definition.
func (d *definition) newEngine() (script.Sandbox, error) {
	engine, err := d.view.newSandbox(d.log)
	if err != nil {
		return nil, err
	}
	if err := engine.Bind("createUuidFromString", func(args []any) (any, error) {
		if len(args) == 0 {
			return nil, errors.New("createUuidFromString requires an argument")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, errors.New("createUuidFromString requires a string")
		}
		return object.UUIDFromString(s), nil
	}); err != nil {
		engine.Release()
		return nil, err
	}
	return engine, nil
}

func (d *definition) releaseEngine() {
	if d.engine != nil {
		d.engine.Release()
		d.engine = nil
	}
}

// removeDefinitionRows deletes every row a definition produced: Map rows carry the definition
// uuid in their lineage, Reduce rows in their reduce tag.
func removeDefinitionRows(p Partition, table Table, config object.Object) (int, error) {
	uuid, targetType := object.GetUUID(config), object.GetString(config, "targetType")

	property := object.FieldReduceUUID
	if object.GetType(config) == object.TypeMap {
		property = object.FieldSourceUUIDs + ".*"
	}

	rows, err := table.GetObjects(property, uuid, targetType)
	if err != nil {
		return 0, NewStorageError("lookup definition rows", err)
	}

	for _, row := range rows {
		if _, err := p.UpdateObject(object.MarkDeleted(row), ViewObject); err != nil {
			return 0, NewStorageError("delete definition row", err)
		}
	}

	return len(rows), nil
}

func sortedKeys[T any](m map[string]T) []string {
	ret := make([]string, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}
