// Package dbsp implements Z-sets (multisets with integer multiplicities) over JSON documents.
//
// Z-sets give a compact way to describe a change to a collection: documents added carry a
// positive multiplicity, documents removed a negative one, and a document that is removed and
// re-added cancels out. The view engine uses them to compute the delta between the rows a Map
// definition produced earlier and the rows it emits now, so unchanged rows are never rewritten.
//
// Example usage:
//
//	old, _ := dbsp.FromDocuments(previousRows)
//	cur, _ := dbsp.FromDocuments(emittedRows)
//	delta, _ := cur.Subtract(old)
//	for _, e := range delta.List() { ... }
package dbsp
