package hash

import "hash/fnv"

// FNV1a64 computes the 64-bit FNV-1a hash of s.
func FNV1a64(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
