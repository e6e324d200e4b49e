// Package manifest binds exported bytes to a signed manifest and records
// every export on the audit chain.
//
// A manifest carries two digests. data_hash is the plain SHA-256 of the
// exported bytes so a recipient can check it with standard tools.
// manifest_hash covers the canonical JSON of every other manifest field, so
// editing the purpose or requester after the fact is also detectable. When a
// signing key is configured the manifest_hash is additionally HMAC-signed.
package manifest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/corpus/internal/auditlog"
	"github.com/roach88/corpus/internal/ids"
	"github.com/roach88/corpus/internal/ir"
)

// ErrEmptyExport is returned when there are no bytes to export.
var ErrEmptyExport = errors.New("empty export")

// Format is the serialization of the exported bytes.
type Format string

const (
	FormatMarkdown   Format = "markdown"
	FormatJSON       Format = "json"
	FormatHDF5Native Format = "hdf5-native"
	FormatCSV        Format = "csv"
)

// Valid reports whether f is a supported format.
func (f Format) Valid() bool {
	switch f {
	case FormatMarkdown, FormatJSON, FormatHDF5Native, FormatCSV:
		return true
	}
	return false
}

// Manifest is the record handed to the caller alongside exported bytes.
type Manifest struct {
	ExportID      string    `json:"export_id"`
	Timestamp     time.Time `json:"timestamp"`
	ExportedBy    string    `json:"exported_by"`
	DataSource    string    `json:"data_source"`
	DataHash      string    `json:"data_hash"`
	Format        Format    `json:"format"`
	Purpose       string    `json:"purpose"`
	RetentionDays *int      `json:"retention_days,omitempty"`
	IncludesPII   bool      `json:"includes_pii"`
	Metadata      ir.Object `json:"metadata,omitempty"`
	AuditRef      string    `json:"audit_ref,omitempty"`
	ManifestHash  string    `json:"manifest_hash"`
	Signature     string    `json:"signature,omitempty"`
}

// Request describes one export.
type Request struct {
	DataSource    string
	Data          []byte
	Purpose       string
	Format        Format
	ExportedBy    string
	RetentionDays *int
	Metadata      ir.Object
}

// Signer produces manifests. It keeps no record of what it signed.
type Signer struct {
	auditor auditlog.Auditor
	key     []byte
	ids     ids.Generator
	clock   ids.Clock
}

// Option configures a Signer.
type Option func(*Signer)

// WithKey enables HMAC-SHA256 signatures with key.
func WithKey(key []byte) Option {
	return func(s *Signer) {
		s.key = key
	}
}

// WithIDs sets the export id source.
func WithIDs(gen ids.Generator) Option {
	return func(s *Signer) {
		s.ids = gen
	}
}

// WithClock sets the manifest timestamp source.
func WithClock(clock ids.Clock) Option {
	return func(s *Signer) {
		s.clock = clock
	}
}

// New creates a Signer that records exports on auditor.
func New(auditor auditlog.Auditor, opts ...Option) *Signer {
	if auditor == nil {
		auditor = auditlog.Discard
	}
	s := &Signer{
		auditor: auditor,
		ids:     ids.UUIDv7Generator{},
		clock:   ids.SystemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Export builds and signs a manifest for req.Data and records an AUDIT
// event on the access channel referencing the export id.
//
// The manifest is only returned once the audit event is durable; an export
// that cannot be audited fails.
func (s *Signer) Export(ctx context.Context, req Request) (Manifest, error) {
	start := time.Now()
	if len(req.Data) == 0 {
		s.RecordFailure(ctx, req.DataSource, req.Format, req.ExportedBy, ErrEmptyExport)
		return Manifest{}, fmt.Errorf("export %s: %w", req.DataSource, ErrEmptyExport)
	}
	if !req.Format.Valid() {
		err := fmt.Errorf("export %s: unsupported format %q", req.DataSource, req.Format)
		s.RecordFailure(ctx, req.DataSource, req.Format, req.ExportedBy, err)
		return Manifest{}, err
	}
	if req.RetentionDays != nil && *req.RetentionDays < 0 {
		err := fmt.Errorf("export %s: negative retention_days", req.DataSource)
		s.RecordFailure(ctx, req.DataSource, req.Format, req.ExportedBy, err)
		return Manifest{}, err
	}

	m := Manifest{
		ExportID:      s.ids.Generate(),
		Timestamp:     s.clock().UTC(),
		ExportedBy:    req.ExportedBy,
		DataSource:    req.DataSource,
		DataHash:      ir.HashBytes(req.Data),
		Format:        req.Format,
		Purpose:       req.Purpose,
		RetentionDays: req.RetentionDays,
		IncludesPII:   false,
		Metadata:      req.Metadata,
	}

	details := ir.Obj(
		ir.O("export_id", ir.String(m.ExportID)),
		ir.O("data_source", ir.String(m.DataSource)),
		ir.O("data_hash", ir.String(m.DataHash)),
		ir.O("format", ir.String(m.Format)),
		ir.O("purpose", ir.String(m.Purpose)),
		ir.O("exported_by", ir.String(m.ExportedBy)),
		ir.O("bytes", ir.Int(int64(len(req.Data)))),
	)
	ref, err := s.auditor.Emit(ctx, auditlog.Entry{
		Service: auditlog.ServiceAccess,
		Level:   auditlog.LevelAudit,
		Action:  "export",
		OK:      true,
		Ref:     m.ExportID,
		Latency: time.Since(start),
		Details: details,
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("export %s: audit: %w", req.DataSource, err)
	}
	m.AuditRef = ref

	if err := s.seal(&m); err != nil {
		return Manifest{}, fmt.Errorf("export %s: %w", req.DataSource, err)
	}
	return m, nil
}

// RecordFailure records a refused or failed export as an ok=false event on
// the access channel. Emit errors are logged; the caller is already
// returning cause.
func (s *Signer) RecordFailure(ctx context.Context, dataSource string, format Format, exportedBy string, cause error) {
	kind := "export_error"
	var k interface{ Kind() string }
	switch {
	case errors.Is(cause, ErrEmptyExport):
		kind = "empty_export"
	case errors.As(cause, &k):
		kind = k.Kind()
	}
	_, err := s.auditor.Emit(ctx, auditlog.Entry{
		Service: auditlog.ServiceAccess,
		Level:   auditlog.LevelWarn,
		Action:  "export",
		OK:      false,
		Details: ir.Obj(
			ir.O("data_source", ir.String(dataSource)),
			ir.O("format", ir.String(format)),
			ir.O("exported_by", ir.String(exportedBy)),
			ir.O("error", ir.String(kind)),
			ir.O("reason", ir.String(cause.Error())),
		),
	})
	if err != nil {
		slog.Error("audit emit failed", "action", "export", "data_source", dataSource, "error", err)
	}
}

func (s *Signer) seal(m *Manifest) error {
	hash, err := Hash(*m)
	if err != nil {
		return err
	}
	m.ManifestHash = hash
	if len(s.key) > 0 {
		m.Signature = sign(s.key, hash)
	}
	return nil
}

// Verify reports whether data is exactly the exported bytes of m and m
// itself is unmodified. When the Signer has a key, the signature must also
// match; an unsigned manifest fails verification under a keyed Signer.
func (s *Signer) Verify(m Manifest, data []byte) bool {
	if !VerifyData(m, data) {
		return false
	}
	hash, err := Hash(m)
	if err != nil || !hmac.Equal([]byte(hash), []byte(m.ManifestHash)) {
		return false
	}
	if len(s.key) == 0 {
		return true
	}
	return m.Signature != "" && hmac.Equal([]byte(sign(s.key, hash)), []byte(m.Signature))
}

// VerifyData checks only the data hash.
func VerifyData(m Manifest, data []byte) bool {
	return len(data) > 0 && hmac.Equal([]byte(ir.HashBytes(data)), []byte(m.DataHash))
}

// Hash is the domain-separated digest of the canonical manifest without its
// manifest_hash and signature fields.
func Hash(m Manifest) (string, error) {
	canonical, err := Canonical(m)
	if err != nil {
		return "", err
	}
	return ir.HashWithDomain(ir.DomainManifest, canonical), nil
}

// Canonical returns the bytes manifest_hash is computed over.
func Canonical(m Manifest) ([]byte, error) {
	obj := ir.Obj(
		ir.O("export_id", ir.String(m.ExportID)),
		ir.O("timestamp", ir.String(m.Timestamp.UTC().Format(time.RFC3339Nano))),
		ir.O("exported_by", ir.String(m.ExportedBy)),
		ir.O("data_source", ir.String(m.DataSource)),
		ir.O("data_hash", ir.String(m.DataHash)),
		ir.O("format", ir.String(m.Format)),
		ir.O("purpose", ir.String(m.Purpose)),
		ir.O("includes_pii", ir.Bool(m.IncludesPII)),
	)
	if m.RetentionDays != nil {
		obj["retention_days"] = ir.Int(int64(*m.RetentionDays))
	}
	if len(m.Metadata) > 0 {
		obj["metadata"] = m.Metadata
	}
	if m.AuditRef != "" {
		obj["audit_ref"] = ir.String(m.AuditRef)
	}
	b, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("canonical manifest: %w", err)
	}
	return b, nil
}

func sign(key []byte, manifestHash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(manifestHash))
	return hex.EncodeToString(mac.Sum(nil))
}
