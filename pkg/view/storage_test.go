package view_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/l7mp/jsondb/internal/testutils"
	"github.com/l7mp/jsondb/pkg/object"
	"github.com/l7mp/jsondb/pkg/objecttable"
	"github.com/l7mp/jsondb/pkg/view"
)

var errDiskFull = errors.New("disk full")

// flakyTable fails commits or change queries on request.
type flakyTable struct {
	*objecttable.Table
	failCommit  bool
	failChanges map[string]bool
}

func newFlakyTable(name string) *flakyTable {
	t, err := objecttable.New(name, objecttable.Options{Logger: logger})
	Expect(err).NotTo(HaveOccurred())
	return &flakyTable{Table: t, failChanges: map[string]bool{}}
}

func (t *flakyTable) Commit(state uint64) error {
	if t.failCommit {
		return errDiskFull
	}
	return t.Table.Commit(state)
}

func (t *flakyTable) ChangesBetween(from, to uint64, types []string) (objecttable.ChangeSet, error) {
	for _, typ := range types {
		if t.failChanges[typ] {
			return objecttable.ChangeSet{}, errDiskFull
		}
	}
	return t.Table.ChangesBetween(from, to, types)
}

// storagePartition hosts a single view on top of flaky tables.
type storagePartition struct {
	main, rows    *flakyTable
	view          *view.View
	failRowWrites bool
}

var _ view.Partition = &storagePartition{}

func newStoragePartition(viewType string) *storagePartition {
	p := &storagePartition{main: newFlakyTable("main"), rows: newFlakyTable(viewType)}
	p.view = view.New(viewType, p, p.rows, view.Options{Logger: logger})
	return p
}

func (p *storagePartition) MainTable() view.Table { return p.main }

func (p *storagePartition) FindObjectTable(objectType string) view.Table { return p.table(objectType) }

func (p *storagePartition) table(objectType string) *flakyTable {
	if objectType == p.view.ViewType() {
		return p.rows
	}
	return p.main
}

func (p *storagePartition) FindView(viewType string) *view.View {
	if viewType == p.view.ViewType() {
		return p.view
	}
	return nil
}

func (p *storagePartition) Views() []*view.View { return []*view.View{p.view} }

func (p *storagePartition) GetObject(uuid, objectType string) (object.Object, error) {
	if obj, ok := p.table(objectType).Get(uuid); ok {
		return obj, nil
	}
	return nil, objecttable.ErrNotFound
}

func (p *storagePartition) UpdateObject(obj object.Object, mode view.UpdateMode) (object.Object, error) {
	t := p.main
	if mode == view.ViewObject {
		if p.failRowWrites {
			return nil, errDiskFull
		}
		t = p.rows
	}
	if object.IsDeleted(obj) {
		return t.Delete(object.GetUUID(obj))
	}
	return t.Put(object.StripFields(obj, object.FieldVersion))
}

// define stores a definition record and registers it with the view.
func (p *storagePartition) define(config object.Object) view.Definition {
	stored, err := p.main.Put(config)
	Expect(err).NotTo(HaveOccurred())
	d, err := p.view.CreateDefinition(stored)
	Expect(err).NotTo(HaveOccurred())
	return d
}

func (p *storagePartition) put(objs ...object.Object) {
	for _, obj := range objs {
		_, err := p.main.Put(obj)
		Expect(err).NotTo(HaveOccurred())
	}
}

func (p *storagePartition) content() []object.Object {
	rows, err := p.rows.GetObjects("", nil, p.view.ViewType())
	Expect(err).NotTo(HaveOccurred())
	return testutils.Content(rows)
}

func updatePassCount(viewType, result string) float64 {
	mfs, err := prometheus.DefaultGatherer.Gather()
	Expect(err).NotTo(HaveOccurred())
	for _, mf := range mfs {
		if mf.GetName() != "jsondb_view_update_passes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["view"] == viewType && labels["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

var _ = Describe("View storage failures", func() {
	const lowerMap = `function(c) { emit({ lastName: c.lastName.toLowerCase() }); }`

	var upperRows = []object.Object{
		{"lastName": "DOE"},
		{"lastName": "DOE"},
	}

	Context("with a map view", func() {
		var (
			p     *storagePartition
			state uint64
		)

		BeforeEach(func() {
			p = newStoragePartition("StorageContactView")
			p.put(testutils.TestContacts[0], testutils.TestContacts[1])
			p.define(testutils.MapRecord("map-1", "Contact", "StorageContactView", upperMap))

			Expect(p.view.UpdateView(0)).To(Succeed())
			state = p.view.StateNumber()
			Expect(state).To(Equal(p.main.StateNumber()))
			Expect(p.content()).To(ConsistOf(upperRows))
		})

		AfterEach(func() {
			Expect(p.rows.Close()).To(Succeed())
			Expect(p.main.Close()).To(Succeed())
		})

		It("should roll back the pass when the commit fails", func() {
			aborted := updatePassCount("StorageContactView", "aborted")
			p.put(testutils.TestContacts[2])
			p.rows.failCommit = true

			err := p.view.UpdateView(0)
			Expect(view.IsStorageError(err)).To(BeTrue())
			Expect(errors.Is(err, errDiskFull)).To(BeTrue())
			Expect(p.view.StateNumber()).To(Equal(state))
			Expect(p.rows.InTransaction()).To(BeFalse())
			Expect(p.content()).To(ConsistOf(upperRows))
			Expect(updatePassCount("StorageContactView", "aborted")).To(Equal(aborted + 1))
			Expect(p.view.State()).To(Equal(view.Idle))

			p.rows.failCommit = false
			Expect(p.view.UpdateView(0)).To(Succeed())
			Expect(p.view.StateNumber()).To(Equal(p.main.StateNumber()))
			Expect(p.content()).To(HaveLen(3))
		})

		It("should roll back every row written before a failed read", func() {
			aborted := updatePassCount("StorageContactView", "aborted")
			committed := updatePassCount("StorageContactView", "committed")
			p.define(testutils.MapRecord("map-1", "Contact", "StorageContactView", lowerMap))
			p.put(testutils.TestContacts[2])
			p.main.failChanges["Contact"] = true

			err := p.view.UpdateView(0)
			Expect(view.IsStorageError(err)).To(BeTrue())
			Expect(p.view.StateNumber()).To(Equal(state))
			Expect(p.content()).To(ConsistOf(upperRows))
			Expect(updatePassCount("StorageContactView", "aborted")).To(Equal(aborted + 1))
			Expect(updatePassCount("StorageContactView", "committed")).To(Equal(committed))

			p.main.failChanges["Contact"] = false
			Expect(p.view.UpdateView(0)).To(Succeed())
			Expect(p.content()).To(ConsistOf(
				object.Object{"lastName": "doe"},
				object.Object{"lastName": "doe"},
				object.Object{"lastName": "smith"},
			))
		})
	})

	Context("with a reduce view", func() {
		It("should deactivate the definition when a row cannot be written", func() {
			p := newStoragePartition("StorageContactByLastName")
			defer p.main.Close() //nolint:errcheck
			defer p.rows.Close() //nolint:errcheck

			p.put(testutils.TestContacts...)
			d := p.define(testutils.CountRecord("reduce-1", "Contact", "lastName", "StorageContactByLastName"))
			captured := p.main.StateNumber()
			p.failRowWrites = true

			Expect(p.view.UpdateView(0)).To(Succeed())
			Expect(d.IsActive()).To(BeFalse())
			Expect(d.LastError()).To(ContainSubstring("disk full"))
			Expect(p.view.StateNumber()).To(Equal(captured))
			Expect(p.content()).To(BeEmpty())

			stored, ok := p.main.Get("reduce-1")
			Expect(ok).To(BeTrue())
			Expect(object.IsActive(stored)).To(BeFalse())

			// the fault record is bookkeeping only, the definition stays stale
			p.failRowWrites = false
			Expect(p.view.UpdateView(0)).To(Succeed())
			Expect(p.view.StateNumber()).To(Equal(p.main.StateNumber()))
			Expect(p.content()).To(BeEmpty())
		})
	})
})
