// Package auditlog implements the append-only, hash-chained audit log.
//
// Each record stores the canonical bytes of one Event together with
//
//	content_hash = SHA256("corpus/audit-event/v1" 0x00 canonical(event))
//	chain_hash   = SHA256("corpus/audit-chain/v1" 0x00 prev_chain_hash || content_hash)
//
// where the chain starts from 64 zeros. Records are written as JSON lines
// into numbered segments that rotate by size; Prune drops the oldest
// segments, and the first retained record's prev_chain_hash becomes the
// anchor for verification.
//
// Components do not build events directly. They pass an Entry to an
// Auditor (normally an *Emitter), which fills in time, host, trace ids and
// the pseudonymous actor, and mirrors the event to slog.
package auditlog
