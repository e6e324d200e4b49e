package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"bool true", Bool(true), "true"},
		{"bool false", Bool(false), "false"},
		{"null", Null{}, "null"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"array of ints", Array{Int(1), Int(2), Int(3)}, "[1,2,3]"},
		{"simple object", Object{"a": Int(1)}, `{"a":1}`},
		{"go string", "plain", `"plain"`},
		{"go int", 7, "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := Object{
		"zebra": Int(1),
		"apple": Int(2),
		"mango": Object{"b": Bool(true), "a": Bool(false)},
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"apple":2,"mango":{"a":false,"b":true},"zebra":1}`, string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+1F600 encodes as surrogates 0xD83D 0xDE00, which sort before U+FF5E
	// in UTF-16 even though the UTF-8 bytes sort after.
	obj := Object{
		"\uff5e":     Int(1),
		"\U0001F600": Int(2),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uff5e\":1}", string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical(String("<a href='x'>&</a>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a href='x'>&</a>"`, string(result))
}

func TestMarshalCanonicalStringEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"quote", `say "hi"`, `"say \"hi\""`},
		{"backslash", `a\b`, `"a\\b"`},
		{"newline", "a\nb", `"a\nb"`},
		{"tab", "a\tb", `"a\tb"`},
		{"control", "a\x01b", `"a\u0001b"`},
		{"line separator kept literal", "a\u2028b", "\"a\u2028b\""},
		{"paragraph separator kept literal", "a\u2029b", "\"a\u2029b\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(String(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	// e + combining acute (NFD) must serialize like the precomposed form.
	nfd := "e\u0301"
	nfc := "\u00e9"

	a, err := MarshalCanonical(Object{nfd: String(nfd)})
	require.NoError(t, err)
	b, err := MarshalCanonical(Object{nfc: String(nfc)})
	require.NoError(t, err)

	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonicalRejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(3.14)
	require.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"latency": 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "latency")
}

func TestMarshalCanonicalWithGoTypes(t *testing.T) {
	in := map[string]any{
		"ok":    true,
		"count": int64(3),
		"tags":  []any{"a", "b"},
		"inner": map[string]any{"n": 1},
	}

	result, err := MarshalCanonical(in)
	require.NoError(t, err)
	assert.Equal(t, `{"count":3,"inner":{"n":1},"ok":true,"tags":["a","b"]}`, string(result))
}

func TestMarshalCanonicalIdempotent(t *testing.T) {
	obj := Object{"b": Array{String("x"), Int(2)}, "a": Object{"z": Null{}}}

	first := MustMarshalCanonical(obj)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, MustMarshalCanonical(obj))
	}
}
