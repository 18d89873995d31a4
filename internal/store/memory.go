package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/mapatur/reconcile/internal/model"
)

// Memory is a SQLite store on a private in-memory database. It backs the
// `memory` driver and tests, and can fail any Tx call on demand through
// Hook.
type Memory struct {
	*SQLite

	// Hook, when set, runs before every Tx method with the method name. A
	// non-nil error fails that call, which lets tests inject failures at a
	// chosen step.
	Hook func(op string) error
}

// NewMemory opens and migrates an empty in-memory database.
func NewMemory(ctx context.Context) (*Memory, error) {
	s, err := NewSQLite(":memory:")
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return &Memory{SQLite: s}, nil
}

// InTx implements Store.
func (m *Memory) InTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx Tx) error) error {
	return m.SQLite.InTx(ctx, opts, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &hookTx{tx: tx, m: m})
	})
}

// hookTx runs Memory.Hook ahead of every call to tx.
type hookTx struct {
	tx Tx
	m  *Memory
}

func (h *hookTx) hook(op string) error {
	if h.m.Hook == nil {
		return nil
	}
	if err := h.m.Hook(op); err != nil {
		return eris.Wrapf(err, "memory: %s", op)
	}
	return nil
}

func (h *hookTx) ListStagingByOrigin(ctx context.Context, originID string, forUpdate bool) ([]model.StagingRecord, error) {
	if err := h.hook("ListStagingByOrigin"); err != nil {
		return nil, err
	}
	return h.tx.ListStagingByOrigin(ctx, originID, forUpdate)
}

func (h *hookTx) ListOriginsByStatus(ctx context.Context, statuses ...model.StagingStatus) ([]string, error) {
	if err := h.hook("ListOriginsByStatus"); err != nil {
		return nil, err
	}
	return h.tx.ListOriginsByStatus(ctx, statuses...)
}

func (h *hookTx) SetStagingStatus(ctx context.Context, ids []int64, status model.StagingStatus, reason string, prodUnitID *int64) error {
	if err := h.hook("SetStagingStatus"); err != nil {
		return err
	}
	return h.tx.SetStagingStatus(ctx, ids, status, reason, prodUnitID)
}

func (h *hookTx) GetEnrichment(ctx context.Context, originID string) (*model.EnrichmentRecord, error) {
	if err := h.hook("GetEnrichment"); err != nil {
		return nil, err
	}
	return h.tx.GetEnrichment(ctx, originID)
}

func (h *hookTx) UpsertEnrichment(ctx context.Context, rec *model.EnrichmentRecord) error {
	if err := h.hook("UpsertEnrichment"); err != nil {
		return err
	}
	return h.tx.UpsertEnrichment(ctx, rec)
}

func (h *hookTx) GetUnit(ctx context.Context, id int64, forUpdate bool) (*model.Unit, error) {
	if err := h.hook("GetUnit"); err != nil {
		return nil, err
	}
	return h.tx.GetUnit(ctx, id, forUpdate)
}

func (h *hookTx) FindActiveUnitByOrigin(ctx context.Context, originID string, forUpdate bool) (*model.Unit, error) {
	if err := h.hook("FindActiveUnitByOrigin"); err != nil {
		return nil, err
	}
	return h.tx.FindActiveUnitByOrigin(ctx, originID, forUpdate)
}

func (h *hookTx) InsertUnit(ctx context.Context, u *model.Unit) error {
	if err := h.hook("InsertUnit"); err != nil {
		return err
	}
	return h.tx.InsertUnit(ctx, u)
}

func (h *hookTx) UpdateUnit(ctx context.Context, u *model.Unit) error {
	if err := h.hook("UpdateUnit"); err != nil {
		return err
	}
	return h.tx.UpdateUnit(ctx, u)
}

func (h *hookTx) ListActiveUnits(ctx context.Context) ([]model.Unit, error) {
	if err := h.hook("ListActiveUnits"); err != nil {
		return nil, err
	}
	return h.tx.ListActiveUnits(ctx)
}

func (h *hookTx) FindProfessionalByKey(ctx context.Context, key string) (*model.Professional, error) {
	if err := h.hook("FindProfessionalByKey"); err != nil {
		return nil, err
	}
	return h.tx.FindProfessionalByKey(ctx, key)
}

func (h *hookTx) FindProfessionalByName(ctx context.Context, normalized string) (*model.Professional, error) {
	if err := h.hook("FindProfessionalByName"); err != nil {
		return nil, err
	}
	return h.tx.FindProfessionalByName(ctx, normalized)
}

func (h *hookTx) InsertProfessional(ctx context.Context, p *model.Professional) error {
	if err := h.hook("InsertProfessional"); err != nil {
		return err
	}
	return h.tx.InsertProfessional(ctx, p)
}

func (h *hookTx) ListSpecialtyMappings(ctx context.Context) ([]model.SpecialtyMapping, error) {
	if err := h.hook("ListSpecialtyMappings"); err != nil {
		return nil, err
	}
	return h.tx.ListSpecialtyMappings(ctx)
}

func (h *hookTx) FindSpecialtyByName(ctx context.Context, normalized string) (*model.Specialty, error) {
	if err := h.hook("FindSpecialtyByName"); err != nil {
		return nil, err
	}
	return h.tx.FindSpecialtyByName(ctx, normalized)
}

func (h *hookTx) InsertSpecialty(ctx context.Context, s *model.Specialty) error {
	if err := h.hook("InsertSpecialty"); err != nil {
		return err
	}
	return h.tx.InsertSpecialty(ctx, s)
}

func (h *hookTx) AssignProfessionalSpecialty(ctx context.Context, a *model.ProfessionalSpecialty) (bool, error) {
	if err := h.hook("AssignProfessionalSpecialty"); err != nil {
		return false, err
	}
	return h.tx.AssignProfessionalSpecialty(ctx, a)
}

func (h *hookTx) ListSpecialtyIDsForProfessionals(ctx context.Context, professionalIDs []int64) ([]int64, error) {
	if err := h.hook("ListSpecialtyIDsForProfessionals"); err != nil {
		return nil, err
	}
	return h.tx.ListSpecialtyIDsForProfessionals(ctx, professionalIDs)
}

func (h *hookTx) ListUnitProfessionalIDs(ctx context.Context, unitID int64) ([]int64, error) {
	if err := h.hook("ListUnitProfessionalIDs"); err != nil {
		return nil, err
	}
	return h.tx.ListUnitProfessionalIDs(ctx, unitID)
}

func (h *hookTx) InsertUnitProfessional(ctx context.Context, l *model.UnitProfessionalLink) (bool, error) {
	if err := h.hook("InsertUnitProfessional"); err != nil {
		return false, err
	}
	return h.tx.InsertUnitProfessional(ctx, l)
}

func (h *hookTx) DeleteUnitProfessional(ctx context.Context, unitID, professionalID int64) error {
	if err := h.hook("DeleteUnitProfessional"); err != nil {
		return err
	}
	return h.tx.DeleteUnitProfessional(ctx, unitID, professionalID)
}

func (h *hookTx) ListUnitSpecialtyLinks(ctx context.Context, unitID int64) ([]model.UnitSpecialtyLink, error) {
	if err := h.hook("ListUnitSpecialtyLinks"); err != nil {
		return nil, err
	}
	return h.tx.ListUnitSpecialtyLinks(ctx, unitID)
}

func (h *hookTx) InsertUnitSpecialtyLink(ctx context.Context, l *model.UnitSpecialtyLink) error {
	if err := h.hook("InsertUnitSpecialtyLink"); err != nil {
		return err
	}
	return h.tx.InsertUnitSpecialtyLink(ctx, l)
}

func (h *hookTx) DeleteUnitSpecialtyLink(ctx context.Context, unitID, specialtyID int64) error {
	if err := h.hook("DeleteUnitSpecialtyLink"); err != nil {
		return err
	}
	return h.tx.DeleteUnitSpecialtyLink(ctx, unitID, specialtyID)
}

func (h *hookTx) AppendAudit(ctx context.Context, entries []model.AuditEntry) error {
	if err := h.hook("AppendAudit"); err != nil {
		return err
	}
	return h.tx.AppendAudit(ctx, entries)
}
