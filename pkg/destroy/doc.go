// Package destroy reconciles persisted scope membership against the
// live resource set. Resources that are persisted but no longer live
// are orphans; the engine destroys them with bounded retries through a
// sequential, parallel, or batched strategy, removing each one from
// the snapshot the moment its destruction succeeds so that reruns only
// see what remains.
package destroy
