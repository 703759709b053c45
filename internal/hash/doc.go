// Package hash provides the hashing utilities used for data integrity
// and stable file naming.
//
// Archive trailers use CRC32-Castagnoli (CRC32C), which is hardware
// accelerated on x86 (SSE4.2) and ARM and is the industry standard for
// storage checksums (iSCSI, Btrfs, RocksDB). License usage files are
// named by the FNV-1a hash of the license key so the name is stable
// across runs without leaking the key itself.
package hash
