package model

import "time"

// Audited table names.
const (
	TableUnits                   = "units"
	TableProfessionals           = "professionals"
	TableSpecialties             = "specialties"
	TableProfessionalSpecialties = "professional_specialties"
	TableUnitProfessionals       = "unit_professionals"
	TableUnitSpecialties         = "unit_specialties"
	TableEnrichments             = "enrichments"
)

// AuditOperation is the kind of mutation an audit entry records.
type AuditOperation string

const (
	OpInsert AuditOperation = "insert"
	OpUpdate AuditOperation = "update"
	OpDelete AuditOperation = "delete"
)

// AuditEntry is an immutable record of one mutation.
type AuditEntry struct {
	ID            int64          `json:"id"`
	Table         string         `json:"table"`
	Operation     AuditOperation `json:"operation"`
	RecordID      string         `json:"record_id"`
	Before        map[string]any `json:"before,omitempty"`
	After         map[string]any `json:"after,omitempty"`
	ChangedFields []string       `json:"changed_fields"`
	ActorID       *int64         `json:"actor_id,omitempty"` // nil for system-driven operations
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AuditFilter selects audit entries for the read path.
type AuditFilter struct {
	Table     string
	Operation AuditOperation
	RecordID  string
	ActorID   *int64
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

// Outcome tells callers how an operation ended.
type Outcome string

const (
	OutcomeApplied             Outcome = "applied"
	OutcomeAppliedWithWarnings Outcome = "applied_with_warnings"
	OutcomeRejected            Outcome = "rejected"
)
