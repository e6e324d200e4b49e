package store

import (
	"context"
	"fmt"
)

// Record is one raw row of a collection, as stored. Values hold the
// driver-level column values in Columns order, checksum included, so that
// CopyRecord can reproduce the row byte for byte.
type Record struct {
	Collection string
	Key        string
	Columns    []string
	Values     []any
}

// Collections returns the persisted collection names in dependency order
// (parents before children).
func (s *Store) Collections() []string {
	names := make([]string, len(collections))
	for i, c := range collections {
		names[i] = c.name
	}
	return names
}

// ScanRecords visits every record of a collection in key order.
//
// Each record is verified against its checksum first. A record that fails
// verification or cannot be decoded is passed to fn with a
// *CorruptRecordError and an incomplete Record (Collection and, when known,
// Key). fn decides whether to continue: returning an error stops the scan
// and ScanRecords returns it.
func (s *Store) ScanRecords(ctx context.Context, name string, fn func(Record, error) error) error {
	c, ok := lookupCollection(name)
	if !ok {
		return fmt.Errorf("scan records: unknown collection %q", name)
	}

	return s.read(func(q querier) error {
		rows, err := q.QueryContext(ctx, c.selectSQL()+c.orderBy())
		if err != nil {
			return fmt.Errorf("scan %s: %w", c.name, err)
		}
		defer rows.Close()

		columns := make([]string, len(c.columns))
		for i, col := range c.columns {
			columns[i] = col.name
		}

		for rows.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			values, err := c.scanRow(rows)
			if err != nil {
				cerr := &CorruptRecordError{Collection: c.name, Reason: "decode: " + err.Error()}
				if ferr := fn(Record{Collection: c.name}, cerr); ferr != nil {
					return ferr
				}
				continue
			}

			rec := Record{Collection: c.name, Key: c.keyOf(values), Columns: columns, Values: values}
			verr := verifyChecksum(c, values)
			if verr == nil {
				verr = decodeCheck(c, values)
			}
			if ferr := fn(rec, verr); ferr != nil {
				return ferr
			}
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("scan %s: %w", c.name, err)
		}
		return nil
	})
}

// decodeCheck makes sure a checksum-valid row also decodes into its typed
// form, so migrated containers stay readable.
func decodeCheck(c collection, values []any) error {
	var err error
	switch c.name {
	case sessionsTable.name:
		_, err = decodeSession(values)
	case chunksTable.name:
		_, err = decodeChunk(values)
	case jobsTable.name:
		_, err = decodeJob(values)
	case embeddingsTable.name:
		_, err = decodeEmbedding(values)
	}
	return err
}

// CopyRecord inserts a raw record unchanged. The checksum column is copied,
// not recomputed. Writer only.
func (s *Store) CopyRecord(ctx context.Context, rec Record) error {
	if err := s.writable(); err != nil {
		return err
	}
	c, ok := lookupCollection(rec.Collection)
	if !ok {
		return fmt.Errorf("copy record: unknown collection %q", rec.Collection)
	}
	if len(rec.Values) != len(c.columns) {
		return fmt.Errorf("copy record %s/%s: %d values for %d columns", rec.Collection, rec.Key, len(rec.Values), len(c.columns))
	}

	if _, err := s.db.ExecContext(ctx, c.insertSQL(), rec.Values...); err != nil {
		return fmt.Errorf("copy record %s/%s: %w", rec.Collection, rec.Key, err)
	}
	return nil
}

// CountRecords returns the number of rows in a collection.
func (s *Store) CountRecords(ctx context.Context, name string) (int64, error) {
	c, ok := lookupCollection(name)
	if !ok {
		return 0, fmt.Errorf("count records: unknown collection %q", name)
	}
	var n int64
	err := s.read(func(q querier) error {
		return q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.name).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}
	return n, nil
}
