package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashWithDomainNullSeparator(t *testing.T) {
	h := sha256.New()
	h.Write([]byte("d"))
	h.Write([]byte{0x00})
	h.Write([]byte("data"))
	expected := hex.EncodeToString(h.Sum(nil))

	assert.Equal(t, expected, HashWithDomain("d", []byte("data")))
	// "d\x00" + "ata" vs "da\x00" + "ta" must differ.
	assert.NotEqual(t, HashWithDomain("d", []byte("ata")), HashWithDomain("da", []byte("ta")))
}

func TestDomainSeparation(t *testing.T) {
	v := Obj(O("action", String("export")))

	a, err := ContentHash(DomainAuditEvent, v)
	require.NoError(t, err)
	b, err := ContentHash(DomainManifest, v)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)
}

func TestContentHashIgnoresKeyOrder(t *testing.T) {
	a, err := ContentHash(DomainRecord, map[string]any{"x": 1, "y": "z"})
	require.NoError(t, err)
	b, err := ContentHash(DomainRecord, Obj(O("y", String("z")), O("x", Int(1))))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestContentHashRejectsFloats(t *testing.T) {
	_, err := ContentHash(DomainRecord, map[string]any{"d": 1.5})
	require.Error(t, err)
}

func TestHashBytesMatchesSha256(t *testing.T) {
	payload := []byte("hello corpus")
	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), HashBytes(payload))
}

func TestChainHash(t *testing.T) {
	c1 := HashBytes([]byte("one"))
	c2 := HashBytes([]byte("two"))

	h1 := ChainHash(GenesisHash, c1)
	h2 := ChainHash(h1, c2)

	assert.Len(t, GenesisHash, 64)
	assert.Equal(t, h1, ChainHash(GenesisHash, c1))
	assert.NotEqual(t, h2, ChainHash(GenesisHash, c2), "predecessor must affect the chain hash")
}
