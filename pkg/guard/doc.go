// Package guard implements the capacity guard consulted before
// destructive infrastructure operations.
//
// The guard vetoes any step that would drop a cluster's healthy serving
// capacity to or below a configured floor. Whether a cluster is guarded
// at all is decided by a PolicySource, memoized for the duration of one
// verification call. Current infrastructure state comes from an
// InventoryProvider implemented outside this package.
package guard
