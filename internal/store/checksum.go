package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/corpus/internal/ir"
)

type columnType int

const (
	colText columnType = iota
	colInt
	colNullInt
	colBlob
)

type column struct {
	name string
	typ  columnType
}

// collection describes one persisted table. Columns are listed in storage
// order with checksum last; key columns identify a record.
type collection struct {
	name    string
	columns []column
	key     []string
}

var collections = []collection{
	{
		name: "sessions",
		columns: []column{
			{"id", colText}, {"title", colText}, {"created_at", colText}, {"metadata", colText},
			{"checksum", colText},
		},
		key: []string{"id"},
	},
	{
		name: "chunks",
		columns: []column{
			{"session_id", colText}, {"kind", colText}, {"chunk_number", colInt}, {"payload", colBlob},
			{"duration_ms", colInt}, {"created_at", colText},
			{"checksum", colText},
		},
		key: []string{"session_id", "kind", "chunk_number"},
	},
	{
		name: "jobs",
		columns: []column{
			{"id", colText}, {"session_id", colText}, {"kind", colText}, {"status", colText},
			{"total_chunks", colInt}, {"processed_chunks", colInt}, {"next_chunk", colInt},
			{"stopped_at_chunk", colNullInt}, {"error", colText},
			{"created_at", colText}, {"updated_at", colText},
			{"checksum", colText},
		},
		key: []string{"id"},
	},
	{
		name: "embeddings",
		columns: []column{
			{"session_id", colText}, {"chunk_number", colInt}, {"model", colText}, {"dims", colInt},
			{"vector", colBlob}, {"created_at", colText},
			{"checksum", colText},
		},
		key: []string{"session_id", "chunk_number", "model"},
	},
}

var (
	sessionsTable   = collections[0]
	chunksTable     = collections[1]
	jobsTable       = collections[2]
	embeddingsTable = collections[3]
)

func lookupCollection(name string) (collection, bool) {
	for _, c := range collections {
		if c.name == name {
			return c, true
		}
	}
	return collection{}, false
}

func (c collection) columnList() string {
	names := make([]string, len(c.columns))
	for i, col := range c.columns {
		names[i] = col.name
	}
	return strings.Join(names, ", ")
}

func (c collection) selectSQL() string {
	return fmt.Sprintf("SELECT %s FROM %s", c.columnList(), c.name)
}

func (c collection) orderBy() string {
	return " ORDER BY " + strings.Join(c.key, ", ")
}

func (c collection) insertSQL() string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(c.columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", c.name, c.columnList(), marks)
}

// keyOf renders the key columns of a row as "a/b/c".
func (c collection) keyOf(values []any) string {
	parts := make([]string, 0, len(c.key))
	for _, k := range c.key {
		for i, col := range c.columns {
			if col.name == k && i < len(values) {
				parts = append(parts, fmt.Sprint(values[i]))
			}
		}
	}
	return strings.Join(parts, "/")
}

// scanRow reads one row into normalized values: string for TEXT, int64 for
// INTEGER, nil or int64 for nullable INTEGER, []byte for BLOB.
func (c collection) scanRow(rows interface{ Scan(...any) error }) ([]any, error) {
	dest := make([]any, len(c.columns))
	for i, col := range c.columns {
		switch col.typ {
		case colText:
			dest[i] = new(sql.NullString)
		case colInt, colNullInt:
			dest[i] = new(sql.NullInt64)
		case colBlob:
			dest[i] = new([]byte)
		}
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}

	values := make([]any, len(c.columns))
	for i, col := range c.columns {
		switch col.typ {
		case colText:
			ns := dest[i].(*sql.NullString)
			if ns.Valid {
				values[i] = ns.String
			}
		case colInt, colNullInt:
			ni := dest[i].(*sql.NullInt64)
			if ni.Valid {
				values[i] = ni.Int64
			}
		case colBlob:
			b := *dest[i].(*[]byte)
			if b == nil {
				b = []byte{}
			}
			values[i] = b
		}
	}
	return values, nil
}

// rowChecksum hashes every non-checksum column of a row. BLOBs contribute
// their SHA-256 so the canonical form stays small.
func rowChecksum(c collection, values []any) (string, error) {
	obj := ir.Object{"_collection": ir.String(c.name)}
	for i, col := range c.columns {
		if col.name == "checksum" {
			continue
		}
		v, err := checksumValue(values[i])
		if err != nil {
			return "", fmt.Errorf("checksum %s.%s: %w", c.name, col.name, err)
		}
		obj[col.name] = v
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", c.name, err)
	}
	return ir.HashWithDomain(ir.DomainRecord, data), nil
}

func checksumValue(v any) (ir.Value, error) {
	switch x := v.(type) {
	case nil:
		return ir.Null{}, nil
	case string:
		return ir.String(x), nil
	case int64:
		return ir.Int(x), nil
	case []byte:
		return ir.String("sha256:" + ir.HashBytes(x)), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", v)
	}
}

// withChecksum returns values with the trailing checksum column filled in.
func withChecksum(c collection, values []any) ([]any, error) {
	sum, err := rowChecksum(c, values)
	if err != nil {
		return nil, err
	}
	out := append([]any(nil), values...)
	out[len(out)-1] = sum
	return out, nil
}

// verifyChecksum checks a scanned row against its stored checksum.
func verifyChecksum(c collection, values []any) error {
	stored, ok := values[len(values)-1].(string)
	if !ok || stored == "" {
		return &CorruptRecordError{Collection: c.name, Key: c.keyOf(values), Reason: "missing checksum"}
	}
	sum, err := rowChecksum(c, values)
	if err != nil {
		return &CorruptRecordError{Collection: c.name, Key: c.keyOf(values), Reason: err.Error()}
	}
	if sum != stored {
		return &CorruptRecordError{Collection: c.name, Key: c.keyOf(values), Reason: "checksum mismatch"}
	}
	return nil
}
