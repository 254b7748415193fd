// Package lockkey derives stable 64-bit advisory-lock keys from
// table:path strings (spec.md §9: "the source hashes table:path into
// an integer key... use a stable 64-bit hash, not the platform
// default, to avoid inter-process key collisions").
package lockkey

import (
	"github.com/cespare/xxhash/v2"
)

// Derive returns the advisory lock key for table and path, suitable
// for pg_advisory_xact_lock(key). The hash is xxhash64 of
// "<table>:<path>", stable across process restarts and Go versions
// (unlike Go's runtime map hash, which is randomized per-process).
func Derive(table, path string) int64 {
	sum := xxhash.Sum64String(table + ":" + path)
	// pg_advisory_xact_lock takes a signed bigint; truncate the
	// unsigned hash into the signed range by reinterpreting the bits
	// rather than masking, so the full 64 bits of entropy survive.
	return int64(sum)
}
