package dbsp

import (
	"encoding/json"

	"github.com/l7mp/jsondb/pkg/object"
)

// Document is an unstructured JSON document.
type Document = object.Object

// computeJSONKey creates a deterministic JSON representation for document identity. The JSON
// encoder sorts map keys, so this is the key function that defines document equality.
func computeJSONKey(doc Document) (string, error) {
	bytes, err := json.Marshal(doc)
	if err != nil {
		return "", newZSetError("failed to marshal document to JSON", err)
	}
	return string(bytes), nil
}

// DeepEqual checks if two documents are equal using JSON comparison.
func DeepEqual(a, b Document) (bool, error) {
	keyA, err := computeJSONKey(a)
	if err != nil {
		return false, newZSetError("failed to compute key for first document", err)
	}

	keyB, err := computeJSONKey(b)
	if err != nil {
		return false, newZSetError("failed to compute key for second document", err)
	}

	return keyA == keyB, nil
}
