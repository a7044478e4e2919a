package dbsp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/l7mp/jsondb/pkg/object"
)

// DocumentZSet implements Z-sets for atomic documents. Documents are treated as opaque units, no
// internal structure operations are considered.
type DocumentZSet struct {
	// JSON representation is the key since documents aren't directly comparable.
	docs   map[string]Document // JSON key -> original document
	counts map[string]int      // JSON key -> multiplicity
}

// ZSetError is returned when a document cannot be added to a Z-set.
type ZSetError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ZSetError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the cause.
func (e *ZSetError) Unwrap() error { return e.Cause }

func newZSetError(message string, cause error) error {
	return &ZSetError{Message: message, Cause: cause}
}

// NewDocumentZSet creates an empty DocumentZSet.
func NewDocumentZSet() *DocumentZSet {
	return &DocumentZSet{
		docs:   make(map[string]Document),
		counts: make(map[string]int),
	}
}

// FromDocuments creates a Z-set from a slice of documents, each with multiplicity 1.
func FromDocuments(docs []Document) (*DocumentZSet, error) {
	result := NewDocumentZSet()
	for i, doc := range docs {
		if err := result.AddDocumentMutate(doc, 1); err != nil {
			return nil, newZSetError(fmt.Sprintf("failed to add document at index %d", i), err)
		}
	}
	return result, nil
}

// AddDocumentMutate adds a document to the Z-set with the given multiplicity by modifying the
// Z-set in place. The document is not copied.
func (dz *DocumentZSet) AddDocumentMutate(doc Document, count int) error {
	if count == 0 {
		return nil
	}

	key, err := computeJSONKey(doc)
	if err != nil {
		return err
	}

	if _, exists := dz.counts[key]; exists {
		dz.counts[key] += count
	} else {
		dz.docs[key] = doc
		dz.counts[key] = count
	}

	if dz.counts[key] == 0 {
		delete(dz.counts, key)
		delete(dz.docs, key)
	}

	return nil
}

// Add performs Z-set addition (union with multiplicity).
func (dz *DocumentZSet) Add(other *DocumentZSet) (*DocumentZSet, error) {
	result := dz.DeepCopy()
	if other == nil {
		return result, nil
	}

	for key, count := range other.counts {
		if err := result.AddDocumentMutate(other.docs[key], count); err != nil {
			return nil, newZSetError("failed to add document during Z-set addition", err)
		}
	}

	return result, nil
}

// Subtract performs Z-set subtraction.
func (dz *DocumentZSet) Subtract(other *DocumentZSet) (*DocumentZSet, error) {
	result := dz.DeepCopy()
	if other == nil {
		return result, nil
	}

	for key, count := range other.counts {
		if err := result.AddDocumentMutate(other.docs[key], -count); err != nil {
			return nil, newZSetError("failed to subtract document during Z-set subtraction", err)
		}
	}

	return result, nil
}

// DeepCopy creates a deep copy of the DocumentZSet.
func (dz *DocumentZSet) DeepCopy() *DocumentZSet {
	result := &DocumentZSet{
		docs:   make(map[string]Document, len(dz.docs)),
		counts: make(map[string]int, len(dz.counts)),
	}

	for key, doc := range dz.docs {
		result.docs[key] = object.DeepCopy(doc)
		result.counts[key] = dz.counts[key]
	}

	return result
}

// DocumentEntry represents a document with its multiplicity in a Z-set.
type DocumentEntry struct {
	Document     Document
	Multiplicity int
}

// List returns all documents with their multiplicities (including negative ones), in the order
// of their JSON keys.
func (dz *DocumentZSet) List() []DocumentEntry {
	keys := make([]string, 0, len(dz.counts))
	for key := range dz.counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]DocumentEntry, 0, len(keys))
	for _, key := range keys {
		result = append(result, DocumentEntry{
			Document:     object.DeepCopy(dz.docs[key]),
			Multiplicity: dz.counts[key],
		})
	}
	return result
}

// IsZero checks if the Z-set is empty.
func (dz *DocumentZSet) IsZero() bool {
	return len(dz.counts) == 0
}

// Size returns the number of documents counting only positive multiplicities.
func (dz *DocumentZSet) Size() int {
	total := 0
	for _, count := range dz.counts {
		if count > 0 {
			total += count
		}
	}
	return total
}

// GetMultiplicity returns the multiplicity of a specific document.
func (dz *DocumentZSet) GetMultiplicity(doc Document) (int, error) {
	key, err := computeJSONKey(doc)
	if err != nil {
		return 0, newZSetError("failed to compute document key", err)
	}
	return dz.counts[key], nil
}

// Contains checks if a document exists in the Z-set with positive multiplicity.
func (dz *DocumentZSet) Contains(doc Document) (bool, error) {
	multiplicity, err := dz.GetMultiplicity(doc)
	if err != nil {
		return false, err
	}
	return multiplicity > 0, nil
}

// String returns a string representation of the Z-set for debugging.
func (dz *DocumentZSet) String() string {
	if dz.IsZero() {
		return "∅"
	}

	entries := make([]string, 0, len(dz.counts))
	for _, e := range dz.List() {
		entries = append(entries, fmt.Sprintf("%s×%d", object.String(e.Document), e.Multiplicity))
	}
	return "{" + strings.Join(entries, ", ") + "}"
}
