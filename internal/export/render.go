package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/corpus/internal/ir"
	"github.com/roach88/corpus/internal/manifest"
	"github.com/roach88/corpus/internal/store"
)

// Render serializes ds in format. Every renderer is deterministic: the same
// dataset always yields the same bytes, so data_hash is reproducible.
func Render(ds store.Dataset, format manifest.Format) ([]byte, error) {
	switch format {
	case manifest.FormatJSON:
		return renderJSON(ds)
	case manifest.FormatMarkdown:
		return renderMarkdown(ds), nil
	case manifest.FormatCSV:
		return renderCSV(ds)
	case manifest.FormatHDF5Native:
		return renderNative(ds)
	}
	return nil, fmt.Errorf("render: unsupported format %q", format)
}

// renderJSON writes the dataset as one canonical JSON document.
func renderJSON(ds store.Dataset) ([]byte, error) {
	columns := make(ir.Array, len(ds.Columns))
	for i, c := range ds.Columns {
		columns[i] = ir.String(c)
	}
	records := make(ir.Array, len(ds.Records))
	for i, r := range ds.Records {
		records[i] = r
	}
	doc := ir.Obj(
		ir.O("path", ir.String(ds.Path)),
		ir.O("kind", ir.String(ds.Kind)),
		ir.O("columns", columns),
		ir.O("records", records),
	)
	out, err := ir.MarshalCanonical(doc)
	if err != nil {
		return nil, fmt.Errorf("render json: %w", err)
	}
	return append(out, '\n'), nil
}

func renderMarkdown(ds store.Dataset) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", ds.Path)
	fmt.Fprintf(&b, "%d %s record(s)\n\n", len(ds.Records), ds.Kind)

	b.WriteString("|")
	for _, c := range ds.Columns {
		b.WriteString(" " + c + " |")
	}
	b.WriteString("\n|")
	for range ds.Columns {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")

	for _, rec := range ds.Records {
		b.WriteString("|")
		for _, c := range ds.Columns {
			b.WriteString(" " + markdownCell(cell(rec[c])) + " |")
		}
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func markdownCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\r\n", "<br>")
	return strings.ReplaceAll(s, "\n", "<br>")
}

func renderCSV(ds store.Dataset) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(ds.Columns); err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}
	row := make([]string, len(ds.Columns))
	for _, rec := range ds.Records {
		for i, c := range ds.Columns {
			row[i] = cell(rec[c])
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("render csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}
	return buf.Bytes(), nil
}

// nativeDump is the binary record dump. Rows are positional in Columns
// order so the encoding does not depend on map iteration.
type nativeDump struct {
	Version int      `msgpack:"version"`
	Path    string   `msgpack:"path"`
	Kind    string   `msgpack:"kind"`
	Columns []string `msgpack:"columns"`
	Rows    [][]any  `msgpack:"rows"`
}

const nativeVersion = 1

// renderNative writes a typed, self-describing msgpack dump. Integers stay
// integers and nulls stay nulls, unlike csv.
func renderNative(ds store.Dataset) ([]byte, error) {
	dump := nativeDump{
		Version: nativeVersion,
		Path:    ds.Path,
		Kind:    ds.Kind,
		Columns: ds.Columns,
		Rows:    make([][]any, len(ds.Records)),
	}
	for i, rec := range ds.Records {
		row := make([]any, len(ds.Columns))
		for j, c := range ds.Columns {
			row[j] = native(rec[c])
		}
		dump.Rows[i] = row
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(dump); err != nil {
		return nil, fmt.Errorf("render native: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeNative parses a dump produced by the hdf5-native renderer.
func DecodeNative(data []byte) (store.Dataset, error) {
	var dump nativeDump
	if err := msgpack.Unmarshal(data, &dump); err != nil {
		return store.Dataset{}, fmt.Errorf("decode native: %w", err)
	}
	if dump.Version != nativeVersion {
		return store.Dataset{}, fmt.Errorf("decode native: unsupported version %d", dump.Version)
	}
	ds := store.Dataset{Path: dump.Path, Kind: dump.Kind, Columns: dump.Columns, Records: make([]ir.Object, 0, len(dump.Rows))}
	for _, row := range dump.Rows {
		if len(row) != len(dump.Columns) {
			return store.Dataset{}, fmt.Errorf("decode native: row has %d values for %d columns", len(row), len(dump.Columns))
		}
		rec := make(ir.Object, len(row))
		for i, c := range dump.Columns {
			v, err := fromNative(row[i])
			if err != nil {
				return store.Dataset{}, fmt.Errorf("decode native: column %s: %w", c, err)
			}
			rec[c] = v
		}
		ds.Records = append(ds.Records, rec)
	}
	return ds, nil
}

func native(v ir.Value) any {
	switch val := v.(type) {
	case ir.String:
		return string(val)
	case ir.Int:
		return int64(val)
	case ir.Bool:
		return bool(val)
	}
	return nil
}

func fromNative(v any) (ir.Value, error) {
	switch val := v.(type) {
	case nil:
		return ir.Null{}, nil
	case string:
		return ir.String(val), nil
	case bool:
		return ir.Bool(val), nil
	case int8:
		return ir.Int(val), nil
	case int16:
		return ir.Int(val), nil
	case int32:
		return ir.Int(val), nil
	case int64:
		return ir.Int(val), nil
	case uint8:
		return ir.Int(val), nil
	case uint16:
		return ir.Int(val), nil
	case uint32:
		return ir.Int(val), nil
	case uint64:
		return ir.Int(int64(val)), nil
	}
	return nil, fmt.Errorf("unsupported value %T", v)
}

// cell is the text form of a value for csv and markdown. Null is empty.
func cell(v ir.Value) string {
	switch val := v.(type) {
	case ir.String:
		return string(val)
	case ir.Int:
		return strconv.FormatInt(int64(val), 10)
	case ir.Bool:
		return strconv.FormatBool(bool(val))
	}
	return ""
}
