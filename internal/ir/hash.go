package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Domain prefixes for content-addressed hashes.
// The version suffix leaves room for an algorithm migration.
const (
	DomainAuditEvent = "corpus/audit-event/v1"
	DomainAuditChain = "corpus/audit-chain/v1"
	DomainManifest   = "corpus/manifest/v1"
	DomainRecord     = "corpus/record/v1"
	DomainUser       = "corpus/user/v1"
)

// GenesisHash is the predecessor of the first entry in a chain.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

// HashWithDomain computes SHA-256 with domain separation:
// SHA256(domain || 0x00 || data). The null byte keeps the domain/data
// boundary unambiguous.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashBytes is the plain SHA-256 hex digest of data. Used for exported
// payloads, which third parties must be able to recompute with sha256sum.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentHash hashes the canonical form of v under domain.
func ContentHash(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	return HashWithDomain(domain, canonical), nil
}

// ChainHash links a content hash to its predecessor:
// SHA256(DomainAuditChain || 0x00 || prev || content).
func ChainHash(prev, content string) string {
	return HashWithDomain(DomainAuditChain, []byte(prev+content))
}
