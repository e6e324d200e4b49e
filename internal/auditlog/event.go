package auditlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/corpus/internal/ir"
)

// Service is the channel an event was emitted on.
type Service string

const (
	ServiceServer  Service = "server"
	ServiceLLM     Service = "llm"
	ServiceStorage Service = "storage"
	ServiceAccess  Service = "access"
)

// Level is the severity of an event. AUDIT marks privileged actions.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelAudit Level = "AUDIT"
)

// Role is the actor's role at the time of the event.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleAnalyst Role = "analyst"
	RoleGuest   Role = "guest"
	RoleSystem  Role = "system"
)

// SystemUser is recorded when no actor is attached to the context.
const SystemUser = "system"

var (
	validServices = map[Service]bool{ServiceServer: true, ServiceLLM: true, ServiceStorage: true, ServiceAccess: true}
	validLevels   = map[Level]bool{LevelDebug: true, LevelInfo: true, LevelWarn: true, LevelError: true, LevelAudit: true}
	validRoles    = map[Role]bool{RoleOwner: true, RoleAdmin: true, RoleAnalyst: true, RoleGuest: true, RoleSystem: true}
)

// Event is one immutable audit record.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Host      string    `json:"host"`
	Service   Service   `json:"service"`
	Level     Level     `json:"level"`
	TraceID   string    `json:"trace_id"`
	SpanID    string    `json:"span_id"`
	SessionID string    `json:"session_id,omitempty"`
	User      string    `json:"user"`
	Role      Role      `json:"role"`
	Action    string    `json:"action"`
	OK        bool      `json:"ok"`
	LatencyMS *int64    `json:"latency_ms,omitempty"`
	Ref       string    `json:"ref,omitempty"`
	PII       bool      `json:"pii"`
	Details   ir.Object `json:"details"`
}

// Validate checks the enumerated fields.
func (e Event) Validate() error {
	if !validServices[e.Service] {
		return fmt.Errorf("invalid service %q", e.Service)
	}
	if !validLevels[e.Level] {
		return fmt.Errorf("invalid level %q", e.Level)
	}
	if !validRoles[e.Role] {
		return fmt.Errorf("invalid role %q", e.Role)
	}
	if e.Action == "" {
		return fmt.Errorf("action is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if e.PII {
		return fmt.Errorf("pii events are not accepted by this deployment profile")
	}
	return nil
}

// Canonical returns the stable serialization that content hashes are
// computed over. Optional fields are omitted when unset.
func (e Event) Canonical() ([]byte, error) {
	details := e.Details
	if details == nil {
		details = ir.Object{}
	}

	obj := ir.Obj(
		ir.O("ts", ir.String(e.Timestamp.Format(time.RFC3339Nano))),
		ir.O("host", ir.String(e.Host)),
		ir.O("service", ir.String(e.Service)),
		ir.O("level", ir.String(e.Level)),
		ir.O("trace_id", ir.String(e.TraceID)),
		ir.O("span_id", ir.String(e.SpanID)),
		ir.O("user", ir.String(e.User)),
		ir.O("role", ir.String(e.Role)),
		ir.O("action", ir.String(e.Action)),
		ir.O("ok", ir.Bool(e.OK)),
		ir.O("pii", ir.Bool(e.PII)),
		ir.O("details", details),
	)
	if e.SessionID != "" {
		obj["session_id"] = ir.String(e.SessionID)
	}
	if e.LatencyMS != nil {
		obj["latency_ms"] = ir.Int(*e.LatencyMS)
	}
	if e.Ref != "" {
		obj["ref"] = ir.String(e.Ref)
	}

	return ir.MarshalCanonical(obj)
}

// ContentHash is the domain-separated digest of the canonical event.
func (e Event) ContentHash() (string, error) {
	canonical, err := e.Canonical()
	if err != nil {
		return "", fmt.Errorf("canonical event: %w", err)
	}
	return ir.HashWithDomain(ir.DomainAuditEvent, canonical), nil
}

// Record is one line of a log segment.
//
// Event holds the exact canonical bytes that ContentHash was computed over,
// so any byte-level change to a stored event is detectable.
type Record struct {
	Index         int64           `json:"index"`
	ContentHash   string          `json:"content_hash"`
	PrevChainHash string          `json:"prev_chain_hash"`
	ChainHash     string          `json:"chain_hash"`
	Event         json.RawMessage `json:"event"`
}

// Decode parses the stored event.
func (r Record) Decode() (Event, error) {
	var ev Event
	if err := json.Unmarshal(r.Event, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event %d: %w", r.Index, err)
	}
	return ev, nil
}
