// Package scope maintains the in-memory scope tree and carries the
// current scope through context during a unit of work. Each scope
// mirrors its membership into the snapshot store; finalization walks
// the tree bottom-up and hands each scope's live set to the
// destruction engine so persisted leftovers are reconciled away.
package scope
