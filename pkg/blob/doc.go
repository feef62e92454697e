// Package blob provides a minimal object-store abstraction with local
// filesystem and SFTP backends. The lock and state layers use it for
// cross-machine coordination: PutIfAbsent gives the create-if-absent
// primitive the advisory lock protocol is built on.
package blob
