// Package ir provides the value types and canonical serialization shared by
// the audit chain, the export manifests and the corpus store checksums.
//
// ir imports nothing internal. Every other package that needs stable bytes
// for hashing goes through MarshalCanonical.
//
// Key design constraints:
//   - NO float types inside canonical values; durations and latencies that
//     must be hashed are carried as int64 or as decimal strings
//   - Object keys are ordered by UTF-16 code units (RFC 8785)
//   - All JSON tags use snake_case
//   - Hashes are SHA-256 with a versioned domain prefix
package ir
