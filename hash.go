package turbocache

import "github.com/cespare/xxhash/v2"

// Fingerprint is the deterministic 64-bit projection of a key, split into a
// row selector, an in-row tag, and spare signature bits (§3.1, §4.1). The
// teacher's go.mod already names github.com/cespare/xxhash/v2 as a dependency
// (unused there); this package is where it earns its keep.
type Fingerprint struct {
	hash uint64
}

// newFingerprint hashes raw key bytes. Pure and allocation-free: xxhash.Sum64
// does not retain the input slice.
func newFingerprint(key []byte) Fingerprint {
	return Fingerprint{hash: xxhash.Sum64(key)}
}

// Row selects which header row a key belongs to. rowCount must be a power of
// two; the mask replaces a division with a bitwise AND.
func (f Fingerprint) Row(rowCount uint32) uint32 {
	return uint32(f.hash) & (rowCount - 1)
}

// Tag is the 16-bit short hash stored in the slot for in-row filtering,
// drawn from a different slice of the 64-bit hash than Row so the two
// projections don't correlate.
func (f Fingerprint) Tag() uint16 {
	return uint16(f.hash >> 32)
}

// Signature holds the remaining high bits of the hash. The format has no
// room to persist it alongside a 16-bit tag in a 16-byte slot record, so it
// is never written to disk; it exists as a documented extension point for a
// future in-memory early-rejection layer (see DESIGN.md).
func (f Fingerprint) Signature() uint16 {
	return uint16(f.hash >> 48)
}
