package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/corpus/internal/ir"
)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// marshalMetadata converts metadata to canonical JSON TEXT.
func marshalMetadata(obj ir.Object) (string, error) {
	if obj == nil {
		obj = ir.Object{}
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

func unmarshalMetadata(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	var obj ir.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return obj, nil
}

// marshalVector encodes an embedding as a msgpack float32 array.
func marshalVector(v []float32) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal vector: %w", err)
	}
	return data, nil
}

func unmarshalVector(data []byte) ([]float32, error) {
	var v []float32
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal vector: %w", err)
	}
	if v == nil {
		v = []float32{}
	}
	return v, nil
}
