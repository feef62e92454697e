// Package lock provides advisory distributed locking keyed by scope
// path, with local-file and object-store backends plus a composite
// fallback. Stale markers (older than a per-backend threshold) are
// reclaimed by waiting acquirers.
//
// The lock is advisory and best-effort. It serializes well-behaved
// writers but is not a consensus protocol; see Locker for the failure
// modes.
package lock
