package partition

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/l7mp/jsondb/pkg/object"
	"github.com/l7mp/jsondb/pkg/objecttable"
	"github.com/l7mp/jsondb/pkg/view"
)

// UpdateMode selects how a write is treated.
type UpdateMode = view.UpdateMode

const (
	Normal     = view.Normal
	Replace    = view.Replace
	ViewObject = view.ViewObject
)

const (
	// DefaultName is the name of the partition when none is given.
	DefaultName = "default"
	// ViewSchemaBase is the value of "schema.extends" that makes a schema record declare a view.
	ViewSchemaBase = object.TypeView
)

// ViewUpdateHandler is called after a view committed an update pass.
type ViewUpdateHandler func(viewType string, state uint64)

// Options configures a partition.
type Options struct {
	// Name names the partition and its main table.
	Name string
	// DataDir is the directory of the bbolt files. Empty keeps every table in memory.
	DataDir string
	// ScriptTimeout bounds user function calls.
	ScriptTimeout time.Duration
	// Sandbox overrides the script sandbox of the views.
	Sandbox view.SandboxFactory
	// Logger is the base logger.
	Logger logr.Logger
}

// Partition is an object store with incrementally maintained views. Regular objects, schema
// records and definition records live in the main table. Every view has its own table holding the
// rows its definitions produce, refreshed lazily when the view is read.
//
// Partition is safe for concurrent use. View update handlers run with the partition locked and
// must not call back into it.
type Partition struct {
	mu       sync.Mutex
	name     string
	opts     Options
	main     *objecttable.Table
	tables   map[string]*objecttable.Table
	views    map[string]*view.View
	handlers []ViewUpdateHandler
	closed   bool

	unlocked    *unlocked
	logger, log logr.Logger
}

// New opens a partition and rebuilds its views from the stored records.
func New(opts Options) (*Partition, error) {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}

	p := &Partition{
		name:   opts.Name,
		opts:   opts,
		tables: map[string]*objecttable.Table{},
		views:  map[string]*view.View{},
		logger: logger,
		log:    logger.WithName("partition").WithValues("name", opts.Name),
	}
	p.unlocked = &unlocked{p: p}

	main, err := objecttable.New(opts.Name, objecttable.Options{Path: p.tablePath(""), Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open main table: %w", err)
	}
	p.main = main

	if err := p.InitViews(); err != nil {
		main.Close() //nolint:errcheck
		return nil, err
	}

	p.log.V(1).Info("partition ready", "state", main.StateNumber(), "views", len(p.views))

	return p, nil
}

func (p *Partition) tablePath(viewType string) string {
	if p.opts.DataDir == "" {
		return ""
	}
	if viewType == "" {
		return filepath.Join(p.opts.DataDir, p.name+".db")
	}
	return filepath.Join(p.opts.DataDir, p.name+"-"+viewType+".db")
}

// Name returns the name of the partition.
func (p *Partition) Name() string { return p.name }

// StateNumber returns the state number of the main table.
func (p *Partition) StateNumber() uint64 { return p.main.StateNumber() }

// InitViews creates the views declared by schema records and registers the stored definitions.
func (p *Partition) InitViews() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	schemas, err := p.main.GetObjects("", nil, object.TypeSchema)
	if err != nil {
		return err
	}
	for _, s := range schemas {
		if isViewSchema(s) {
			if _, err := p.ensureView(object.GetString(s, "name")); err != nil {
				return err
			}
		}
	}

	return p.registerStored("")
}

// registerStored registers the stored definition records targeting a view, or every view when
// viewType is empty.
func (p *Partition) registerStored(viewType string) error {
	for _, kind := range []string{object.TypeMap, object.TypeReduce} {
		configs, err := p.main.GetObjects("", nil, kind)
		if err != nil {
			return err
		}
		for _, config := range configs {
			if viewType != "" && object.GetString(config, "targetType") != viewType {
				continue
			}
			if err := p.register(config); err != nil {
				p.log.Error(err, "failed to register stored definition", "uuid", object.GetUUID(config))
			}
		}
	}

	return nil
}

// UpdateObject writes an object. A tombstone (an object with "_deleted" set) deletes.
func (p *Partition) UpdateObject(ctx context.Context, obj object.Object, mode UpdateMode) (object.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	return p.updateObject(obj, mode)
}

// UpdateObjects writes objects in order. The first failure stops the batch; earlier writes stay.
func (p *Partition) UpdateObjects(ctx context.Context, objs []object.Object, mode UpdateMode) ([]object.Object, error) {
	ret := make([]object.Object, 0, len(objs))
	for i, obj := range objs {
		res, err := p.UpdateObject(ctx, obj, mode)
		if err != nil {
			return ret, fmt.Errorf("object %d: %w", i, err)
		}
		ret = append(ret, res)
	}
	return ret, nil
}

func (p *Partition) updateObject(obj object.Object, mode UpdateMode) (object.Object, error) {
	if obj == nil || object.GetType(obj) == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidObject, object.FieldType)
	}
	objectType := object.GetType(obj)

	switch mode {
	case ViewObject:
		table, ok := p.tables[objectType]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownView, objectType)
		}
		if !table.InTransaction() {
			return nil, fmt.Errorf("%w: rows of view %s are written by update passes",
				objecttable.ErrNoTransaction, objectType)
		}
		return write(table, obj)

	case Replace:
		uuid := object.GetUUID(obj)
		if _, ok := p.main.Get(uuid); !ok {
			return nil, fmt.Errorf("%w: %s", objecttable.ErrNotFound, uuid)
		}
		return write(p.main, object.StripFields(obj, object.FieldVersion))
	}

	if _, ok := p.views[objectType]; ok {
		return nil, fmt.Errorf("%w: %s", ErrReadOnlyView, objectType)
	}

	obj = object.DeepCopy(obj)
	isDefinition := objectType == object.TypeMap || objectType == object.TypeReduce
	if isDefinition && !object.IsDeleted(obj) {
		obj[object.FieldActive] = true
		obj[object.FieldError] = nil
		if err := view.ValidateDefinition(p.unlocked, obj); err != nil {
			p.log.V(1).Info("definition rejected", "error", err.Error())
			return nil, err
		}
	}

	var prev object.Object
	if uuid := object.GetUUID(obj); uuid != "" {
		prev, _ = p.main.Get(uuid)
	}

	ret, err := write(p.main, obj)
	if err != nil {
		return nil, err
	}

	switch {
	case isDefinition || isDefinitionRecord(prev):
		if prev != nil {
			p.unregister(prev)
		}
		if !object.IsDeleted(obj) {
			if err := p.register(ret); err != nil {
				return ret, err
			}
		}
	case objectType == object.TypeSchema:
		if err := p.updateSchema(prev, ret, object.IsDeleted(obj)); err != nil {
			return ret, err
		}
	}

	return ret, nil
}

func write(table *objecttable.Table, obj object.Object) (object.Object, error) {
	if object.IsDeleted(obj) {
		return table.Delete(object.GetUUID(obj))
	}
	return table.Put(obj)
}

func isDefinitionRecord(obj object.Object) bool {
	t := object.GetType(obj)
	return obj != nil && (t == object.TypeMap || t == object.TypeReduce)
}

func isViewSchema(obj object.Object) bool {
	schema, ok := obj["schema"].(map[string]any)
	if !ok {
		return false
	}
	extends, _ := schema["extends"].(string)
	return extends == ViewSchemaBase && object.GetString(obj, "name") != ""
}

// register hands a definition record to the view it targets.
func (p *Partition) register(config object.Object) error {
	v, ok := p.views[object.GetString(config, "targetType")]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownView, object.GetString(config, "targetType"))
	}
	_, err := v.CreateDefinition(config)
	return err
}

func (p *Partition) unregister(config object.Object) {
	if v, ok := p.views[object.GetString(config, "targetType")]; ok {
		v.RemoveDefinition(object.GetUUID(config))
	}
}

// updateSchema creates or drops a view when its schema record is written.
func (p *Partition) updateSchema(prev, cur object.Object, deleted bool) error {
	if prev != nil && isViewSchema(prev) {
		name := object.GetString(prev, "name")
		if deleted || !isViewSchema(cur) || object.GetString(cur, "name") != name {
			p.dropView(name)
		}
	}
	if !deleted && isViewSchema(cur) {
		name := object.GetString(cur, "name")
		_, exists := p.views[name]
		if _, err := p.ensureView(name); err != nil {
			return err
		}
		if !exists {
			// a re-declared view picks up the definitions still stored for it
			return p.registerStored(name)
		}
	}
	return nil
}

func (p *Partition) ensureView(viewType string) (*view.View, error) {
	if v, ok := p.views[viewType]; ok {
		return v, nil
	}

	table, err := objecttable.New(viewType, objecttable.Options{
		Path:   p.tablePath(viewType),
		Logger: p.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open table of view %s: %w", viewType, err)
	}

	v := view.New(viewType, p.unlocked, table, view.Options{
		Sandbox:       p.opts.Sandbox,
		ScriptTimeout: p.opts.ScriptTimeout,
		Logger:        p.logger,
	})
	v.OnUpdated(func(v *view.View, state uint64) {
		for _, h := range p.handlers {
			h(v.ViewType(), state)
		}
	})

	p.tables[viewType] = table
	p.views[viewType] = v
	p.log.V(1).Info("view created", "view", viewType, "state", table.StateNumber())

	return v, nil
}

func (p *Partition) dropView(viewType string) {
	v, ok := p.views[viewType]
	if !ok {
		return
	}
	for _, d := range v.Definitions() {
		v.RemoveDefinition(d.UUID())
	}
	if err := p.tables[viewType].Close(); err != nil {
		p.log.Error(err, "failed to close view table", "view", viewType)
	}
	if path := p.tablePath(viewType); path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.log.Error(err, "failed to remove view table", "view", viewType, "path", path)
		}
	}
	delete(p.views, viewType)
	delete(p.tables, viewType)
	p.log.V(1).Info("view dropped", "view", viewType)
}

// GetObjects returns the objects of a type matching a property value; an empty property matches
// every object. A view is brought up to date before it is read.
func (p *Partition) GetObjects(ctx context.Context, property string, value any, objectType string) ([]object.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	if v, ok := p.views[objectType]; ok {
		if err := v.UpdateView(0); err != nil {
			return nil, err
		}
	}

	return p.unlocked.findTable(objectType).GetObjects(property, value, objectType)
}

// GetObject returns an object by uuid. An empty type searches every table.
func (p *Partition) GetObject(ctx context.Context, uuid, objectType string) (object.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	if v, ok := p.views[objectType]; ok {
		if err := v.UpdateView(0); err != nil {
			return nil, err
		}
	}

	return p.unlocked.GetObject(uuid, objectType)
}

// UpdateView brings a view up to the given main table state, or to the current state if zero.
func (p *Partition) UpdateView(ctx context.Context, viewType string, desired uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.views[viewType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownView, viewType)
	}
	return v.UpdateView(desired)
}

// UpdateViews brings every view up to date, source views first.
func (p *Partition) UpdateViews(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, err := view.DependencyGraph(p.unlocked.Views()).TopologicalOrder()
	if err != nil {
		return err
	}
	for _, viewType := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if v, ok := p.views[viewType]; ok {
			if err := v.UpdateView(0); err != nil {
				return fmt.Errorf("failed to update view %s: %w", viewType, err)
			}
		}
	}
	return nil
}

// FindView returns the view of a type or nil.
func (p *Partition) FindView(viewType string) *view.View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.views[viewType]
}

// Views returns the views sorted by type.
func (p *Partition) Views() []*view.View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unlocked.Views()
}

// OnViewUpdated registers a handler called after every committed view update pass.
func (p *Partition) OnViewUpdated(h ViewUpdateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// ReduceMemoryUsage releases compiled scripts and journal caches.
func (p *Partition) ReduceMemoryUsage() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.main.FlushCaches()
	for _, v := range p.views {
		v.ReduceMemoryUsage()
	}
}

// Close closes every table.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	errs := []error{}
	for _, v := range p.views {
		v.ReduceMemoryUsage()
	}
	for _, t := range p.tables {
		errs = append(errs, t.Close())
	}
	errs = append(errs, p.main.Close())

	return errors.Join(errs...)
}

// unlocked is the view of the partition the views see. It assumes the partition lock is held by
// the caller of the view.
type unlocked struct{ p *Partition }

var _ view.Partition = &unlocked{}

func (u *unlocked) MainTable() view.Table { return u.p.main }

// FindObjectTable returns the table of a type. The concrete table is returned through findTable
// so a missing view table never becomes a non-nil interface holding a nil pointer.
func (u *unlocked) FindObjectTable(objectType string) view.Table { return u.findTable(objectType) }

func (u *unlocked) findTable(objectType string) *objecttable.Table {
	if t, ok := u.p.tables[objectType]; ok {
		return t
	}
	return u.p.main
}

func (u *unlocked) FindView(viewType string) *view.View { return u.p.views[viewType] }

func (u *unlocked) Views() []*view.View {
	names := make([]string, 0, len(u.p.views))
	for name := range u.p.views {
		names = append(names, name)
	}
	sort.Strings(names)

	ret := make([]*view.View, 0, len(names))
	for _, name := range names {
		ret = append(ret, u.p.views[name])
	}
	return ret
}

func (u *unlocked) GetObject(uuid, objectType string) (object.Object, error) {
	if objectType != "" {
		if obj, ok := u.findTable(objectType).Get(uuid); ok && object.GetType(obj) == objectType {
			return obj, nil
		}
		return nil, fmt.Errorf("%w: %s", objecttable.ErrNotFound, uuid)
	}

	if obj, ok := u.p.main.Get(uuid); ok {
		return obj, nil
	}
	for _, t := range u.p.tables {
		if obj, ok := t.Get(uuid); ok {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", objecttable.ErrNotFound, uuid)
}

func (u *unlocked) UpdateObject(obj object.Object, mode view.UpdateMode) (object.Object, error) {
	return u.p.updateObject(obj, mode)
}
