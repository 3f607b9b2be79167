/*
Package kvdoc implements an embedded, single-file JSON document store.

On disk, a database is a JSON snapshot file plus a write-ahead log (the
"WAL") that records mutations since the last checkpoint. In memory, the
database is a tree of dynamically-typed [Value]s addressed by
dot-separated paths such as "users.alice.email".

# Technical details

**Value tree.** The root is always an Object. Paths navigate through
Object keys and, where the current node is an Array, through numeric
indices. Writing through a missing intermediate segment creates Object
nodes; it never creates arrays implicitly.

**Write-ahead log.** Every mutation is assigned a monotonically
increasing LSN under the engine's write lock, appended to the WAL (see
package wal), and then applied to the in-memory tree. Durability modes
range from disabled (snapshot-only) to fsync-per-record.

**Indexes.** An index declared against a collection path and a field
maintains a hash map from field value to the set of document paths
that currently carry it. Indexes are maintained incrementally and
persisted as sidecar files next to the snapshot.

**Concurrency.** Reads consult the tree directly and never block on a
writer; writers are serialized through a single write lock. See
[Engine] for the full operation set.
*/
package kvdoc
