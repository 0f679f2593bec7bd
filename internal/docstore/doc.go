// Package docstore provides a generic, concurrent-safe, JSONL-backed
// document store.
//
// # Overview
//
// The package centers around [Table], a generic container that stores
// documents keyed by a string identity in a JSONL (JSON Lines) file with
// full in-memory caching for fast reads. Tables are safe for concurrent use
// by multiple goroutines.
//
// # Concurrency: Pessimistic Locking
//
// Table uses pessimistic locking: [Table.Modify] and [Table.Upsert] hold the
// write lock for the entire read-modify-write operation. This guarantees
// success without retries, unlike optimistic CAS which requires retry loops
// when concurrent writes collide. The tradeoff is lower throughput under
// high contention, but this is acceptable for local file storage with low
// concurrency. [Table.Upsert] doubles as the atomic conditional-upsert
// primitive behind the lease-based lock manager.
//
// # File Format
//
// JSONL files where each line is an envelope {key, doc} or a {key, deleted}
// tombstone. The live state is the replay of the log; the file is compacted
// when the dead-record ratio grows.
package docstore
