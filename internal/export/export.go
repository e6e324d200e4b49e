// Package export is the boundary through which corpus data leaves the
// system. It reads a dataset path from a reader handle, renders it and
// signs the rendered bytes.
package export

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/corpus/internal/ir"
	"github.com/roach88/corpus/internal/manifest"
	"github.com/roach88/corpus/internal/store"
)

// Request describes an export.
type Request struct {
	DataSource    string
	Purpose       string
	Format        manifest.Format
	ExportedBy    string
	RetentionDays *int
}

// Exporter renders and signs datasets.
type Exporter struct {
	store  *store.Store
	signer *manifest.Signer
}

// New creates an Exporter reading from s. s is normally a reader handle so
// that exports never contend with the writer.
func New(s *store.Store, signer *manifest.Signer) *Exporter {
	return &Exporter{store: s, signer: signer}
}

// Export returns the signed manifest and the exported bytes. A request
// that fails before signing is still recorded on the access channel.
func (e *Exporter) Export(ctx context.Context, req Request) (manifest.Manifest, []byte, error) {
	data, ds, err := e.render(ctx, req)
	if err != nil {
		e.signer.RecordFailure(ctx, req.DataSource, req.Format, req.ExportedBy, err)
		return manifest.Manifest{}, nil, err
	}

	m, err := e.signer.Export(ctx, manifest.Request{
		DataSource:    req.DataSource,
		Data:          data,
		Purpose:       req.Purpose,
		Format:        req.Format,
		ExportedBy:    req.ExportedBy,
		RetentionDays: req.RetentionDays,
		Metadata:      metadata(ds),
	})
	if err != nil {
		return manifest.Manifest{}, nil, err
	}

	slog.Info("exported dataset",
		"export_id", m.ExportID,
		"data_source", req.DataSource,
		"format", string(req.Format),
		"records", len(ds.Records),
		"bytes", len(data),
	)
	return m, data, nil
}

func (e *Exporter) render(ctx context.Context, req Request) ([]byte, store.Dataset, error) {
	if !req.Format.Valid() {
		return nil, store.Dataset{}, fmt.Errorf("export %s: unsupported format %q", req.DataSource, req.Format)
	}
	if err := e.store.Refresh(ctx); err != nil {
		return nil, store.Dataset{}, fmt.Errorf("export %s: %w", req.DataSource, err)
	}
	ds, err := e.store.ExportPath(ctx, req.DataSource)
	if err != nil {
		return nil, store.Dataset{}, fmt.Errorf("export %s: %w", req.DataSource, err)
	}
	data, err := Render(ds, req.Format)
	if err != nil {
		return nil, store.Dataset{}, fmt.Errorf("export %s: %w", req.DataSource, err)
	}
	return data, ds, nil
}

func metadata(ds store.Dataset) ir.Object {
	return ir.Obj(
		ir.O("kind", ir.String(ds.Kind)),
		ir.O("records", ir.Int(int64(len(ds.Records)))),
	)
}
