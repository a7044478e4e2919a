package view_test

import (
	"context"
	"sort"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/jsondb/internal/testutils"
	"github.com/l7mp/jsondb/pkg/object"
	"github.com/l7mp/jsondb/pkg/partition"
	"github.com/l7mp/jsondb/pkg/view"
)

const (
	upperMap = `function(c) { emit({ lastName: c.lastName.toUpperCase() }); }`

	// joins a membership with its contact, from whichever side changed
	membershipJoin = `function(m, c) {
		if (c) { emit({ member: c.lastName, group: m.group }); }
		else { lookup({ objectType: "Contact", index: "_uuid", value: m.contact }, m); }
	}`
	contactJoin = `function(c, m) {
		if (m) { emit({ member: c.lastName, group: m.group }); }
		else { lookup({ objectType: "Membership", index: "contact", value: c._uuid }, c); }
	}`
)

var _ = Describe("View", func() {
	var (
		ctx context.Context
		p   *partition.Partition
	)

	write := func(objs ...object.Object) {
		for _, obj := range objs {
			_, err := p.UpdateObject(ctx, obj, partition.Normal)
			Expect(err).NotTo(HaveOccurred())
		}
	}

	rows := func(viewType string) []object.Object {
		objs, err := p.GetObjects(ctx, "", nil, viewType)
		Expect(err).NotTo(HaveOccurred())
		return objs
	}

	definition := func(uuid, kind string) object.Object {
		obj, err := p.GetObject(ctx, uuid, kind)
		Expect(err).NotTo(HaveOccurred())
		return obj
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		p, err = partition.New(partition.Options{Logger: logger, ScriptTimeout: time.Second})
		Expect(err).NotTo(HaveOccurred())
		write(testutils.ViewSchema("ContactView"), testutils.ViewSchema("ContactByLastName"))
	})

	AfterEach(func() {
		Expect(p.Close()).To(Succeed())
	})

	Context("with the contact scenario", func() {
		BeforeEach(func() {
			write(testutils.TestContacts...)
			write(testutils.MapRecord("map-1", "Contact", "ContactView", upperMap))
			write(testutils.CountRecord("reduce-1", "Contact", "lastName", "ContactByLastName"))
		})

		It("should backfill the views from existing objects", func() {
			Expect(testutils.Content(rows("ContactView"))).To(ConsistOf(
				object.Object{"lastName": "DOE"},
				object.Object{"lastName": "DOE"},
				object.Object{"lastName": "SMITH"},
			))
			Expect(testutils.Content(rows("ContactByLastName"))).To(ConsistOf(
				object.Object{"key": "Doe", "count": float64(2)},
				object.Object{"key": "Smith", "count": float64(1)},
			))
		})

		It("should synchronize the view to the main table state", func() {
			rows("ContactView")
			Expect(p.FindView("ContactView").StateNumber()).To(Equal(p.StateNumber()))
		})

		It("should follow inserts", func() {
			rows("ContactByLastName")
			write(object.Object{object.FieldType: "Contact", "firstName": "Ann", "lastName": "Smith"})

			Expect(testutils.Content(rows("ContactByLastName"))).To(ConsistOf(
				object.Object{"key": "Doe", "count": float64(2)},
				object.Object{"key": "Smith", "count": float64(2)},
			))
			Expect(rows("ContactView")).To(HaveLen(4))
		})

		It("should move an object between buckets when its key changes", func() {
			rows("ContactByLastName")
			c1 := object.DeepCopy(testutils.TestContacts[0])
			c1["lastName"] = "Smith"
			write(c1)

			Expect(testutils.Content(rows("ContactByLastName"))).To(ConsistOf(
				object.Object{"key": "Doe", "count": float64(1)},
				object.Object{"key": "Smith", "count": float64(2)},
			))
			Expect(testutils.Content(rows("ContactView"))).To(ConsistOf(
				object.Object{"lastName": "DOE"},
				object.Object{"lastName": "SMITH"},
				object.Object{"lastName": "SMITH"},
			))
		})

		It("should drop a bucket when subtract returns undefined", func() {
			rows("ContactByLastName")
			write(object.MarkDeleted(testutils.TestContacts[2]))

			Expect(testutils.Content(rows("ContactByLastName"))).To(ConsistOf(
				object.Object{"key": "Doe", "count": float64(2)},
			))
			Expect(rows("ContactView")).To(HaveLen(2))
		})

		It("should decrement a bucket on delete", func() {
			rows("ContactByLastName")
			write(object.MarkDeleted(testutils.TestContacts[0]))

			Expect(testutils.Content(rows("ContactByLastName"))).To(ConsistOf(
				object.Object{"key": "Doe", "count": float64(1)},
				object.Object{"key": "Smith", "count": float64(1)},
			))
		})

		It("should give map rows deterministic uuids", func() {
			expected := []string{}
			for _, c := range testutils.TestContacts {
				ids := []string{"map-1", object.GetUUID(c)}
				sort.Strings(ids)
				expected = append(expected, object.UUIDFromString("ContactView:"+strings.Join(ids, ":")))
			}

			uuids := []string{}
			for _, row := range rows("ContactView") {
				uuids = append(uuids, object.GetUUID(row))
				Expect(row[object.FieldSourceUUIDs]).To(ContainElement("map-1"))
			}
			Expect(uuids).To(ConsistOf(expected))
		})

		It("should be idempotent", func() {
			first := rows("ContactView")
			state := p.FindView("ContactView").StateNumber()
			Expect(p.UpdateView(ctx, "ContactView", 0)).To(Succeed())
			Expect(p.FindView("ContactView").StateNumber()).To(Equal(state))
			Expect(rows("ContactView")).To(Equal(first))
		})

		It("should not rewrite rows the map function emits unchanged", func() {
			before := map[string]string{}
			for _, row := range rows("ContactView") {
				before[object.GetUUID(row)] = object.GetVersion(row)
			}

			c1 := object.DeepCopy(testutils.TestContacts[0])
			c1["firstName"] = "Johnny"
			write(c1)

			for _, row := range rows("ContactView") {
				Expect(object.GetVersion(row)).To(Equal(before[object.GetUUID(row)]))
			}
		})

		It("should remove the rows of a deleted definition", func() {
			Expect(rows("ContactView")).To(HaveLen(3))
			write(object.MarkDeleted(definition("map-1", object.TypeMap)))

			Expect(rows("ContactView")).To(BeEmpty())
			Expect(rows("ContactByLastName")).To(HaveLen(2))
		})

		It("should rebuild the rows of a changed definition", func() {
			rows("ContactView")
			def := definition("map-1", object.TypeMap)
			def["map"] = map[string]any{"Contact": `function(c) { emit({ first: c.firstName }); }`}
			write(def)

			Expect(testutils.Content(rows("ContactView"))).To(ConsistOf(
				object.Object{"first": "John"},
				object.Object{"first": "Jane"},
				object.Object{"first": "Bob"},
			))
		})

		It("should reject a duplicate definition", func() {
			_, err := p.UpdateObject(ctx, testutils.MapRecord("map-2", "Contact", "ContactView", upperMap),
				partition.Normal)
			Expect(err).To(HaveOccurred())
			Expect(view.IsDuplicateDefinitionError(err)).To(BeTrue())
			Expect(err.Error()).To(Equal("duplicate Map definition on source Contact and target ContactView"))

			_, err = p.UpdateObject(ctx, testutils.CountRecord("reduce-2", "Contact", "firstName",
				"ContactByLastName"), partition.Normal)
			Expect(view.IsDuplicateDefinitionError(err)).To(BeTrue())

			_, err = p.GetObject(ctx, "map-2", object.TypeMap)
			Expect(err).To(HaveOccurred())
		})

		It("should notify observers after a pass", func() {
			ch, handler := testutils.Recorder(4)
			p.OnViewUpdated(handler)

			rows("ContactView")
			u, ok := testutils.TryWatch(ch, time.Second)
			Expect(ok).To(BeTrue())
			testutils.MatchUpdate(u, "ContactView", p.StateNumber())

			rows("ContactView")
			_, ok = testutils.TryWatch(ch, 50*time.Millisecond)
			Expect(ok).To(BeFalse())
		})

		It("should keep working after releasing the script engines", func() {
			rows("ContactView")
			p.ReduceMemoryUsage()
			write(object.Object{object.FieldType: "Contact", "lastName": "Roe"})

			Expect(testutils.Content(rows("ContactView"))).To(ContainElement(object.Object{"lastName": "ROE"}))
			Expect(testutils.Content(rows("ContactByLastName"))).To(ContainElement(
				object.Object{"key": "Roe", "count": float64(1)}))
		})
	})

	Context("with a fault in a definition", func() {
		BeforeEach(func() {
			write(testutils.TestContacts...)
			write(testutils.MapRecord("map-1", "Contact", "ContactView", `function(c) {
				if (c.lastName === "Bad") { throw new Error("bad contact"); }
				emit({ lastName: c.lastName });
			}`))
			write(testutils.CountRecord("reduce-1", "Contact", "lastName", "ContactByLastName"))
			Expect(rows("ContactView")).To(HaveLen(3))
		})

		It("should deactivate the definition and leave its rows stale", func() {
			write(object.Object{object.FieldType: "Contact", object.FieldUUID: "bad", "lastName": "Bad"})
			Expect(rows("ContactView")).To(HaveLen(3))

			def := definition("map-1", object.TypeMap)
			Expect(object.IsActive(def)).To(BeFalse())
			Expect(object.GetString(def, object.FieldError)).To(ContainSubstring("error executing map function"))

			write(object.Object{object.FieldType: "Contact", "lastName": "Fine"})
			Expect(rows("ContactView")).To(HaveLen(3))
		})

		It("should not affect other definitions", func() {
			write(object.Object{object.FieldType: "Contact", object.FieldUUID: "bad", "lastName": "Bad"})
			Expect(rows("ContactView")).To(HaveLen(3))
			Expect(testutils.Content(rows("ContactByLastName"))).To(ContainElement(
				object.Object{"key": "Bad", "count": float64(1)}))
			Expect(object.IsActive(definition("reduce-1", object.TypeReduce))).To(BeTrue())
		})

		It("should keep folding other source types in the same view", func() {
			write(testutils.MapRecord("map-2", "Membership", "ContactByLastName",
				`function(m) { throw new Error("bad membership"); }`))
			Expect(testutils.Content(rows("ContactByLastName"))).To(HaveLen(2))

			write(testutils.TestMemberships...)
			write(object.Object{object.FieldType: "Contact", object.FieldUUID: "c4", "lastName": "Smith"})

			Expect(testutils.Content(rows("ContactByLastName"))).To(ConsistOf(
				object.Object{"key": "Doe", "count": float64(2)},
				object.Object{"key": "Smith", "count": float64(2)},
			))
			def := definition("map-2", object.TypeMap)
			Expect(object.IsActive(def)).To(BeFalse())
			Expect(object.GetString(def, object.FieldError)).To(ContainSubstring("bad membership"))
			Expect(object.IsActive(definition("reduce-1", object.TypeReduce))).To(BeTrue())
		})

		It("should recover when the definition is saved again", func() {
			write(object.Object{object.FieldType: "Contact", object.FieldUUID: "bad", "lastName": "Bad"})
			rows("ContactView")

			def := definition("map-1", object.TypeMap)
			def["map"] = map[string]any{"Contact": `function(c) { emit({ lastName: c.lastName }); }`}
			write(def)

			Expect(object.IsActive(definition("map-1", object.TypeMap))).To(BeTrue())
			Expect(rows("ContactView")).To(HaveLen(4))
		})
	})

	Context("with a runaway script", func() {
		It("should interrupt the call and fault the definition", func() {
			Expect(p.Close()).To(Succeed())
			var err error
			p, err = partition.New(partition.Options{Logger: logger, ScriptTimeout: 50 * time.Millisecond})
			Expect(err).NotTo(HaveOccurred())

			write(testutils.ViewSchema("ContactView"), testutils.TestContacts[0])
			write(testutils.MapRecord("map-1", "Contact", "ContactView", `function(c) { while (true) {} }`))

			Expect(rows("ContactView")).To(BeEmpty())
			Expect(object.IsActive(definition("map-1", object.TypeMap))).To(BeFalse())
		})
	})

	Context("with a join", func() {
		BeforeEach(func() {
			write(testutils.ViewSchema("MemberView"))
			write(testutils.TestContacts...)
			write(testutils.TestMemberships...)
			write(testutils.JoinRecord("join-1", "MemberView", map[string]string{
				"Membership": membershipJoin,
				"Contact":    contactJoin,
			}))
		})

		It("should join the related objects", func() {
			Expect(testutils.Content(rows("MemberView"))).To(ConsistOf(
				object.Object{"member": "Doe", "group": "g1"},
				object.Object{"member": "Doe", "group": "g2"},
			))
			for _, row := range rows("MemberView") {
				Expect(row[object.FieldSourceUUIDs]).To(HaveLen(3))
			}
		})

		It("should follow changes on either side", func() {
			rows("MemberView")

			c1 := object.DeepCopy(testutils.TestContacts[0])
			c1["lastName"] = "Roe"
			write(c1)
			Expect(testutils.Content(rows("MemberView"))).To(ConsistOf(
				object.Object{"member": "Roe", "group": "g1"},
				object.Object{"member": "Doe", "group": "g2"},
			))

			write(object.MarkDeleted(testutils.TestMemberships[1]))
			Expect(testutils.Content(rows("MemberView"))).To(ConsistOf(
				object.Object{"member": "Roe", "group": "g1"},
			))

			write(object.Object{object.FieldType: "Membership", "contact": "c3", "group": "g2"})
			Expect(testutils.Content(rows("MemberView"))).To(ConsistOf(
				object.Object{"member": "Roe", "group": "g1"},
				object.Object{"member": "Smith", "group": "g2"},
			))
		})

		It("should drop the rows of a deleted related object", func() {
			rows("MemberView")
			write(object.MarkDeleted(testutils.TestContacts[0]))
			Expect(testutils.Content(rows("MemberView"))).To(ConsistOf(
				object.Object{"member": "Doe", "group": "g2"},
			))
		})
	})

	Context("with a self-join", func() {
		It("should not revisit objects already on the chain", func() {
			write(testutils.ViewSchema("SameName"))
			write(testutils.TestContacts...)
			write(testutils.JoinRecord("join-1", "SameName", map[string]string{
				"Contact": `function(c, other) {
					if (other) { emit({ a: c.firstName < other.firstName ? c.firstName : other.firstName,
						b: c.firstName < other.firstName ? other.firstName : c.firstName }); }
					else { lookup({ objectType: "Contact", index: "lastName", value: c.lastName }, c); }
				}`,
			}))

			Expect(testutils.Content(rows("SameName"))).To(ConsistOf(
				object.Object{"a": "Jane", "b": "John"},
			))
			Expect(object.IsActive(definition("join-1", object.TypeMap))).To(BeTrue())
		})
	})

	Context("with stacked views", func() {
		It("should update source views first", func() {
			write(testutils.ViewSchema("UpperCount"))
			write(testutils.TestContacts...)
			write(testutils.MapRecord("map-1", "Contact", "ContactView", upperMap))
			write(testutils.CountRecord("reduce-1", "ContactView", "lastName", "UpperCount"))

			Expect(testutils.Content(rows("UpperCount"))).To(ConsistOf(
				object.Object{"key": "DOE", "count": float64(2)},
				object.Object{"key": "SMITH", "count": float64(1)},
			))
			Expect(p.FindView("ContactView").StateNumber()).To(Equal(p.StateNumber()))

			write(object.MarkDeleted(testutils.TestContacts[2]))
			Expect(testutils.Content(rows("UpperCount"))).To(ConsistOf(
				object.Object{"key": "DOE", "count": float64(2)},
			))
		})

		It("should reject a dependency cycle", func() {
			write(testutils.MapRecord("map-1", "ContactByLastName", "ContactView", upperMap))
			_, err := p.UpdateObject(ctx, testutils.MapRecord("map-2", "ContactView", "ContactByLastName",
				upperMap), partition.Normal)
			Expect(err).To(HaveOccurred())
			Expect(view.IsConfigValidationError(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("cycle"))
		})
	})

	Context("with named reduce values", func() {
		It("should wrap the fold value", func() {
			write(testutils.ViewSchema("Totals"))
			write(
				object.Object{object.FieldType: "Order", "customer": "a", "amount": 10},
				object.Object{object.FieldType: "Order", "customer": "a", "amount": 5},
				object.Object{object.FieldType: "Order", "customer": "b", "amount": 1},
			)
			write(object.Object{
				object.FieldType:    object.TypeReduce,
				object.FieldUUID:    "sum",
				"targetType":        "Totals",
				"sourceType":        "Order",
				"sourceKeyFunction": `function(o) { return o.customer.toUpperCase(); }`,
				"targetKeyName":     "customer",
				"targetValueName":   "total",
				"add":               `function(k, prev, o) { return (prev === undefined ? 0 : prev) + o.amount; }`,
				"subtract":          `function(k, prev, o) { return prev - o.amount; }`,
			})

			Expect(testutils.Content(rows("Totals"))).To(ConsistOf(
				object.Object{"customer": "A", "total": float64(15)},
				object.Object{"customer": "B", "total": float64(1)},
			))
			for _, row := range rows("Totals") {
				Expect(row[object.FieldReduceUUID]).To(Equal("sum"))
			}
		})
	})

	Context("when validating definitions", func() {
		DescribeTable("should reject invalid records",
			func(record object.Object, message string) {
				_, err := p.UpdateObject(ctx, record, partition.Normal)
				Expect(err).To(HaveOccurred())
				Expect(view.IsConfigValidationError(err)).To(BeTrue())
				Expect(err.Error()).To(ContainSubstring(message))
			},
			Entry("Map without target", object.Object{object.FieldType: object.TypeMap,
				"map": map[string]any{"Contact": upperMap}}, "targetType property for Map not specified"),
			Entry("Map into a regular type", object.Object{object.FieldType: object.TypeMap,
				"targetType": "Contact", "map": map[string]any{"Contact": upperMap}},
				"targetType must be of a type that extends View"),
			Entry("Map with join and map", object.Object{object.FieldType: object.TypeMap,
				"targetType": "ContactView", "map": map[string]any{"Contact": upperMap},
				"join": map[string]any{"Contact": upperMap}}, "mutually exclusive"),
			Entry("join without a function", object.Object{object.FieldType: object.TypeMap,
				"targetType": "ContactView", "join": map[string]any{"Contact": ""}},
				"join function for source type 'Contact' not specified for Map"),
			Entry("Map that does not compile", object.Object{object.FieldType: object.TypeMap,
				"targetType": "ContactView", "map": map[string]any{"Contact": "function(c) {"}},
				"unable to parse"),
			Entry("Reduce without target", object.Object{object.FieldType: object.TypeReduce,
				"sourceType": "Contact"}, "targetType property for Reduce not specified"),
			Entry("Reduce without source", object.Object{object.FieldType: object.TypeReduce,
				"targetType": "ContactByLastName"}, "sourceType property for Reduce not specified"),
			Entry("Reduce without key", object.Object{object.FieldType: object.TypeReduce,
				"targetType": "ContactByLastName", "sourceType": "Contact", "add": "function(){}",
				"subtract": "function(){}"}, "sourceKeyName or sourceKeyFunction must be provided for Reduce"),
			Entry("Reduce with two keys", object.Object{object.FieldType: object.TypeReduce,
				"targetType": "ContactByLastName", "sourceType": "Contact", "sourceKeyName": "lastName",
				"sourceKeyFunction": "function(c) { return 1; }", "add": "function(){}",
				"subtract": "function(){}"}, "Only one of sourceKeyName and sourceKeyFunction"),
			Entry("Reduce without add", object.Object{object.FieldType: object.TypeReduce,
				"targetType": "ContactByLastName", "sourceType": "Contact", "sourceKeyName": "lastName",
				"subtract": "function(){}"}, "add function for Reduce not specified"),
			Entry("Reduce without subtract", object.Object{object.FieldType: object.TypeReduce,
				"targetType": "ContactByLastName", "sourceType": "Contact", "sourceKeyName": "lastName",
				"add": "function(){}"}, "subtract function for Reduce not specified"),
			Entry("Reduce with a numeric value name", object.Object{object.FieldType: object.TypeReduce,
				"targetType": "ContactByLastName", "sourceType": "Contact", "sourceKeyName": "lastName",
				"add": "function(){}", "subtract": "function(){}", "targetValueName": 1},
				"targetValueName for Reduce must be a string or null"),
		)
	})
})
