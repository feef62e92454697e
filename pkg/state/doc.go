// Package state persists scope membership snapshots as JSON documents
// on disk, one per scope path, with timestamped backups and lock-guarded
// writes.
//
// Reads never take the lock: a caller may observe a snapshot that an
// in-flight writer is about to replace. Writes go through a temp file
// and rename so a crashed writer never leaves a torn snapshot behind.
package state
