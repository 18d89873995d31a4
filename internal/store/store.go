// Package store persists staging rows, curator enrichment, production
// entities and the audit log. Every mutation happens through a Tx handed to
// the callback of Store.InTx, so a unit of work commits or rolls back as a
// whole.
package store

import (
	"context"

	"github.com/mapatur/reconcile/internal/db"
	"github.com/mapatur/reconcile/internal/model"
)

// TxOptions controls how InTx finishes a transaction.
type TxOptions = db.TxOptions

// Store opens transactions and serves the read and bulk paths that do not
// need one.
type Store interface {
	// InTx runs fn inside one transaction. fn's error rolls everything back
	// and is returned classified (see fault.Transaction). With DryRun set the
	// transaction is rolled back after fn succeeds.
	InTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx Tx) error) error

	// IngestStaging upserts validated staging rows keyed by (origin_id,
	// professional_name, specialty_name). Rows already promoted are left
	// untouched. Returns the number of rows written.
	IngestStaging(ctx context.Context, rows []model.StagingRecord) (int64, error)

	// ListAudit returns audit entries matching f, newest first.
	ListAudit(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error)

	Close() error
}

// Tx is the repository surface available inside a transaction.
type Tx interface {
	// Staging
	ListStagingByOrigin(ctx context.Context, originID string, forUpdate bool) ([]model.StagingRecord, error)
	ListOriginsByStatus(ctx context.Context, statuses ...model.StagingStatus) ([]string, error)
	SetStagingStatus(ctx context.Context, ids []int64, status model.StagingStatus, reason string, prodUnitID *int64) error

	// Enrichment. GetEnrichment returns nil, nil when the origin has none.
	GetEnrichment(ctx context.Context, originID string) (*model.EnrichmentRecord, error)
	UpsertEnrichment(ctx context.Context, rec *model.EnrichmentRecord) error

	// Units. GetUnit returns a NotFoundError for unknown ids;
	// FindActiveUnitByOrigin returns nil, nil.
	GetUnit(ctx context.Context, id int64, forUpdate bool) (*model.Unit, error)
	FindActiveUnitByOrigin(ctx context.Context, originID string, forUpdate bool) (*model.Unit, error)
	InsertUnit(ctx context.Context, u *model.Unit) error
	UpdateUnit(ctx context.Context, u *model.Unit) error
	ListActiveUnits(ctx context.Context) ([]model.Unit, error)

	// Professionals. Finders return nil, nil when nothing matches.
	FindProfessionalByKey(ctx context.Context, key string) (*model.Professional, error)
	FindProfessionalByName(ctx context.Context, normalized string) (*model.Professional, error)
	InsertProfessional(ctx context.Context, p *model.Professional) error

	// Specialties
	ListSpecialtyMappings(ctx context.Context) ([]model.SpecialtyMapping, error)
	FindSpecialtyByName(ctx context.Context, normalized string) (*model.Specialty, error)
	InsertSpecialty(ctx context.Context, s *model.Specialty) error
	AssignProfessionalSpecialty(ctx context.Context, a *model.ProfessionalSpecialty) (bool, error)
	ListSpecialtyIDsForProfessionals(ctx context.Context, professionalIDs []int64) ([]int64, error)

	// Junctions. Insert methods report whether a row was created.
	ListUnitProfessionalIDs(ctx context.Context, unitID int64) ([]int64, error)
	InsertUnitProfessional(ctx context.Context, l *model.UnitProfessionalLink) (bool, error)
	DeleteUnitProfessional(ctx context.Context, unitID, professionalID int64) error
	ListUnitSpecialtyLinks(ctx context.Context, unitID int64) ([]model.UnitSpecialtyLink, error)
	InsertUnitSpecialtyLink(ctx context.Context, l *model.UnitSpecialtyLink) error
	DeleteUnitSpecialtyLink(ctx context.Context, unitID, specialtyID int64) error

	// Audit
	AppendAudit(ctx context.Context, entries []model.AuditEntry) error
}
