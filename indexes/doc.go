// Package indexes provides the ordered secondary indices of the registry.
//
// # Overview
//
// An index is a keyspace of composite keys (value, record id) with an
// empty stored value. Two families share one accessor type, Index:
//
//  1. Built-in indices (Builtin), a fixed set over record metadata:
//     template id, created_at, updated_at, created_by, admin and tag
//     membership.
//
//  2. Custom indices, one per sanitized name supplied by callers. The name
//     is hashed with xxhash64 into a fixed 8 byte keyspace id; Claim
//     records the owning name so a hash collision is refused instead of
//     merging two indices.
//
// # Key layout
//
//   - Built-in:  "I" + code + segment(value) + id(u32, BE) -> empty
//   - Custom:    "IX" + xxhash64(name) + segment(value) + id -> empty
//   - Claim:     "IN" + xxhash64(name) -> name
//   - Reverse:   "V" + id + segment(index key) -> last written value
//
// Segments are described in package keys. Equal values are ordered by
// ascending record id, which makes every scan deterministic.
//
// # Reverse attribute map
//
// Index entries are write-only: nothing else remembers which value a
// record was filed under. Set consults the reverse entry to delete the
// stale index entry before filing the new one, so a mutable index holds
// exactly one entry per record. Hidden records keep their reverse entries
// while their custom index entries are removed, see Suppress and Restore.
//
// # Scans
//
// Scan walks one keyspace between optional Start and Stop bounds, lower
// and upper in key order whatever the direction, each inclusive or
// exclusive. A page carries a cursor only when it is full; the cursor is
// an exclusive bound on the last item and resumes the scan in either
// direction.
package indexes
