package testutils

import "github.com/l7mp/jsondb/pkg/object"

var (
	// TestContacts are the contacts the Contact scenario starts from.
	TestContacts = []object.Object{
		{object.FieldType: "Contact", object.FieldUUID: "c1", "firstName": "John", "lastName": "Doe"},
		{object.FieldType: "Contact", object.FieldUUID: "c2", "firstName": "Jane", "lastName": "Doe"},
		{object.FieldType: "Contact", object.FieldUUID: "c3", "firstName": "Bob", "lastName": "Smith"},
	}

	// TestGroups are groups referenced by the members of TestMemberships.
	TestGroups = []object.Object{
		{object.FieldType: "Group", object.FieldUUID: "g1", "name": "admins"},
		{object.FieldType: "Group", object.FieldUUID: "g2", "name": "users"},
	}

	// TestMemberships link contacts to groups.
	TestMemberships = []object.Object{
		{object.FieldType: "Membership", object.FieldUUID: "m1", "contact": "c1", "group": "g1"},
		{object.FieldType: "Membership", object.FieldUUID: "m2", "contact": "c2", "group": "g2"},
	}
)

// ViewSchema returns a schema record that declares a view type.
func ViewSchema(name string) object.Object {
	return object.Object{
		object.FieldType: object.TypeSchema,
		object.FieldUUID: "schema-" + name,
		"name":           name,
		"schema":         map[string]any{"extends": object.TypeView},
	}
}

// MapRecord returns a single-source Map record.
func MapRecord(uuid, sourceType, targetType, fn string) object.Object {
	return object.Object{
		object.FieldType: object.TypeMap,
		object.FieldUUID: uuid,
		"targetType":     targetType,
		"map":            map[string]any{sourceType: fn},
	}
}

// JoinRecord returns a join Map record.
func JoinRecord(uuid, targetType string, fns map[string]string) object.Object {
	join := map[string]any{}
	for k, v := range fns {
		join[k] = v
	}
	return object.Object{
		object.FieldType: object.TypeMap,
		object.FieldUUID: uuid,
		"targetType":     targetType,
		"join":           join,
	}
}

// CountRecord returns a Reduce record counting the objects of a type per key.
func CountRecord(uuid, sourceType, sourceKeyName, targetType string) object.Object {
	return object.Object{
		object.FieldType:  object.TypeReduce,
		object.FieldUUID:  uuid,
		"sourceType":      sourceType,
		"sourceKeyName":   sourceKeyName,
		"targetType":      targetType,
		"targetValueName": nil,
		"add": `function(key, prev, obj) {
			var count = (prev === undefined || prev.count === undefined) ? 0 : prev.count;
			return { count: count + 1 };
		}`,
		"subtract": `function(key, prev, obj) {
			if (prev === undefined || prev.count <= 1) return undefined;
			return { count: prev.count - 1 };
		}`,
	}
}

// Content strips the system fields of view rows so they can be compared by value.
func Content(objs []object.Object) []object.Object {
	ret := make([]object.Object, 0, len(objs))
	for _, obj := range objs {
		ret = append(ret, object.StripFields(obj, object.FieldUUID, object.FieldVersion,
			object.FieldType, object.FieldSourceUUIDs, object.FieldReduceUUID, object.FieldOwner))
	}
	return ret
}
