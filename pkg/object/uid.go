package object

import (
	"github.com/google/uuid"
)

// NewUUID creates a random uuid.
func NewUUID() string {
	return uuid.NewString()
}

// UUIDFromString creates a stable uuid from a string: the same input always yields the same
// uuid.
func UUIDFromString(s string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(s)).String()
}

// WithUUID sets a random uuid on a document unless it already has one. Returns the uuid.
func WithUUID(obj Object) string {
	if id := GetUUID(obj); id != "" {
		return id
	}
	id := NewUUID()
	obj[FieldUUID] = id
	return id
}
