package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/mapatur/reconcile/internal/db"
	"github.com/mapatur/reconcile/internal/fault"
	"github.com/mapatur/reconcile/internal/model"
)

// pgTx implements Tx on an open pgx transaction.
type pgTx struct {
	q db.Querier
}

const stagingColumns = `id, origin_id, unit_name, professional_name, professional_key, specialty_name,
	address, status, error_reason, prod_unit_id, created_at, updated_at`

func scanStaging(rows pgx.Rows) (model.StagingRecord, error) {
	var (
		r      model.StagingRecord
		status string
	)
	err := rows.Scan(&r.ID, &r.OriginID, &r.UnitName, &r.ProfessionalName, &r.ProfessionalKey,
		&r.SpecialtyName, &r.Address, &status, &r.ErrorReason, &r.ProdUnitID, &r.CreatedAt, &r.UpdatedAt)
	r.Status = model.StagingStatus(status)
	return r, err
}

func (t *pgTx) ListStagingByOrigin(ctx context.Context, originID string, forUpdate bool) ([]model.StagingRecord, error) {
	q := `SELECT ` + stagingColumns + ` FROM staging_records WHERE origin_id = $1 ORDER BY id`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	rows, err := t.q.Query(ctx, q, originID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list staging for %s", originID)
	}
	defer rows.Close()

	var out []model.StagingRecord
	for rows.Next() {
		r, err := scanStaging(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan staging row")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate staging rows")
}

func (t *pgTx) ListOriginsByStatus(ctx context.Context, statuses ...model.StagingStatus) ([]string, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := t.q.Query(ctx,
		`SELECT DISTINCT origin_id FROM staging_records WHERE status = ANY($1) ORDER BY origin_id`, names)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list origins by status")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan origin id")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate origin ids")
}

func (t *pgTx) SetStagingStatus(ctx context.Context, ids []int64, status model.StagingStatus, reason string, prodUnitID *int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.q.Exec(ctx,
		`UPDATE staging_records
		 SET status = $1, error_reason = $2, prod_unit_id = COALESCE($3, prod_unit_id), updated_at = now()
		 WHERE id = ANY($4)`,
		string(status), reason, prodUnitID, ids)
	return eris.Wrapf(err, "postgres: set staging status %s", status)
}

const enrichmentColumns = `origin_id, display_name, address, neighborhood, latitude, longitude, phone, whatsapp,
	hours, email, website, instagram, image_url, icon_url, notes, updated_by, updated_at`

func (t *pgTx) GetEnrichment(ctx context.Context, originID string) (*model.EnrichmentRecord, error) {
	var e model.EnrichmentRecord
	err := t.q.QueryRow(ctx, `SELECT `+enrichmentColumns+` FROM enrichments WHERE origin_id = $1`, originID).
		Scan(&e.OriginID, &e.DisplayName, &e.Address, &e.Neighborhood, &e.Latitude, &e.Longitude,
			&e.Phone, &e.WhatsApp, &e.Hours, &e.Email, &e.Website, &e.Instagram, &e.ImageURL,
			&e.IconURL, &e.Notes, &e.UpdatedBy, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get enrichment %s", originID)
	}
	return &e, nil
}

func (t *pgTx) UpsertEnrichment(ctx context.Context, e *model.EnrichmentRecord) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO enrichments (`+enrichmentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now())
		 ON CONFLICT (origin_id) DO UPDATE SET
			display_name = EXCLUDED.display_name, address = EXCLUDED.address,
			neighborhood = EXCLUDED.neighborhood, latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude, phone = EXCLUDED.phone, whatsapp = EXCLUDED.whatsapp,
			hours = EXCLUDED.hours, email = EXCLUDED.email, website = EXCLUDED.website,
			instagram = EXCLUDED.instagram, image_url = EXCLUDED.image_url,
			icon_url = EXCLUDED.icon_url, notes = EXCLUDED.notes,
			updated_by = EXCLUDED.updated_by, updated_at = now()
		 RETURNING updated_at`,
		e.OriginID, e.DisplayName, e.Address, e.Neighborhood, e.Latitude, e.Longitude, e.Phone,
		e.WhatsApp, e.Hours, e.Email, e.Website, e.Instagram, e.ImageURL, e.IconURL, e.Notes,
		e.UpdatedBy,
	).Scan(&e.UpdatedAt)
	return eris.Wrapf(err, "postgres: upsert enrichment %s", e.OriginID)
}

const unitColumns = `id, origin_id, name, address, neighborhood,
	COALESCE(ST_Y(location), 0), COALESCE(ST_X(location), 0),
	phone, whatsapp, hours, email, website, instagram, image_url, icon_url, active, created_at, updated_at`

func scanUnit(row pgx.Row) (*model.Unit, error) {
	var u model.Unit
	err := row.Scan(&u.ID, &u.OriginID, &u.Name, &u.Address, &u.Neighborhood, &u.Latitude, &u.Longitude,
		&u.Phone, &u.WhatsApp, &u.Hours, &u.Email, &u.Website, &u.Instagram, &u.ImageURL, &u.IconURL,
		&u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// location encodes the unit's position for ST_GeomFromEWKB; nil leaves the
// column NULL.
func location(u *model.Unit) ([]byte, error) {
	c := u.Coordinates()
	if c.IsZero() {
		return nil, nil
	}
	return c.EWKB()
}

func (t *pgTx) GetUnit(ctx context.Context, id int64, forUpdate bool) (*model.Unit, error) {
	q := `SELECT ` + unitColumns + ` FROM units WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	u, err := scanUnit(t.q.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.NotFound("unit", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get unit %d", id)
	}
	return u, nil
}

func (t *pgTx) FindActiveUnitByOrigin(ctx context.Context, originID string, forUpdate bool) (*model.Unit, error) {
	q := `SELECT ` + unitColumns + ` FROM units WHERE origin_id = $1 AND active`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	u, err := scanUnit(t.q.QueryRow(ctx, q, originID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find unit for origin %s", originID)
	}
	return u, nil
}

func (t *pgTx) InsertUnit(ctx context.Context, u *model.Unit) error {
	loc, err := location(u)
	if err != nil {
		return err
	}
	err = t.q.QueryRow(ctx,
		`INSERT INTO units (origin_id, name, address, neighborhood, location, phone, whatsapp, hours,
			email, website, instagram, image_url, icon_url, active)
		 VALUES ($1, $2, $3, $4, ST_GeomFromEWKB($5), $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id, created_at, updated_at`,
		u.OriginID, u.Name, u.Address, u.Neighborhood, loc, u.Phone, u.WhatsApp, u.Hours,
		u.Email, u.Website, u.Instagram, u.ImageURL, u.IconURL, u.Active,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	return eris.Wrapf(err, "postgres: insert unit %q", u.Name)
}

func (t *pgTx) UpdateUnit(ctx context.Context, u *model.Unit) error {
	loc, err := location(u)
	if err != nil {
		return err
	}
	err = t.q.QueryRow(ctx,
		`UPDATE units SET origin_id = $2, name = $3, address = $4, neighborhood = $5,
			location = ST_GeomFromEWKB($6), phone = $7, whatsapp = $8, hours = $9, email = $10,
			website = $11, instagram = $12, image_url = $13, icon_url = $14, active = $15,
			updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		u.ID, u.OriginID, u.Name, u.Address, u.Neighborhood, loc, u.Phone, u.WhatsApp, u.Hours,
		u.Email, u.Website, u.Instagram, u.ImageURL, u.IconURL, u.Active,
	).Scan(&u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fault.NotFound("unit", u.ID)
	}
	return eris.Wrapf(err, "postgres: update unit %d", u.ID)
}

func (t *pgTx) ListActiveUnits(ctx context.Context) ([]model.Unit, error) {
	rows, err := t.q.Query(ctx, `SELECT `+unitColumns+` FROM units WHERE active ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active units")
	}
	defer rows.Close()

	var out []model.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan unit")
		}
		out = append(out, *u)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate units")
}

const professionalColumns = `id, natural_key, name, normalized_name, created_at`

func (t *pgTx) findProfessional(ctx context.Context, where string, arg string) (*model.Professional, error) {
	var p model.Professional
	err := t.q.QueryRow(ctx,
		`SELECT `+professionalColumns+` FROM professionals WHERE `+where+` ORDER BY id LIMIT 1`, arg).
		Scan(&p.ID, &p.NaturalKey, &p.Name, &p.NormalizedName, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find professional %q", arg)
	}
	return &p, nil
}

func (t *pgTx) FindProfessionalByKey(ctx context.Context, key string) (*model.Professional, error) {
	return t.findProfessional(ctx, "natural_key = $1", key)
}

func (t *pgTx) FindProfessionalByName(ctx context.Context, normalized string) (*model.Professional, error) {
	return t.findProfessional(ctx, "normalized_name = $1", normalized)
}

func (t *pgTx) InsertProfessional(ctx context.Context, p *model.Professional) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO professionals (natural_key, name, normalized_name) VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		p.NaturalKey, p.Name, p.NormalizedName,
	).Scan(&p.ID, &p.CreatedAt)
	return eris.Wrapf(err, "postgres: insert professional %q", p.Name)
}

func (t *pgTx) ListSpecialtyMappings(ctx context.Context) ([]model.SpecialtyMapping, error) {
	rows, err := t.q.Query(ctx, `SELECT raw_name, canonical_name FROM specialty_mappings ORDER BY raw_name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list specialty mappings")
	}
	defer rows.Close()

	var out []model.SpecialtyMapping
	for rows.Next() {
		var m model.SpecialtyMapping
		if err := rows.Scan(&m.RawName, &m.CanonicalName); err != nil {
			return nil, eris.Wrap(err, "postgres: scan specialty mapping")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate specialty mappings")
}

func (t *pgTx) FindSpecialtyByName(ctx context.Context, normalized string) (*model.Specialty, error) {
	var s model.Specialty
	err := t.q.QueryRow(ctx,
		`SELECT id, name, normalized_name, created_at FROM specialties WHERE normalized_name = $1`, normalized).
		Scan(&s.ID, &s.Name, &s.NormalizedName, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find specialty %q", normalized)
	}
	return &s, nil
}

func (t *pgTx) InsertSpecialty(ctx context.Context, s *model.Specialty) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO specialties (name, normalized_name) VALUES ($1, $2) RETURNING id, created_at`,
		s.Name, s.NormalizedName,
	).Scan(&s.ID, &s.CreatedAt)
	return eris.Wrapf(err, "postgres: insert specialty %q", s.Name)
}

func (t *pgTx) AssignProfessionalSpecialty(ctx context.Context, a *model.ProfessionalSpecialty) (bool, error) {
	a.CreatedAt = time.Now().UTC()
	tag, err := t.q.Exec(ctx,
		`INSERT INTO professional_specialties (professional_id, specialty_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		a.ProfessionalID, a.SpecialtyID, a.CreatedAt)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: assign specialty %d to professional %d", a.SpecialtyID, a.ProfessionalID)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ListSpecialtyIDsForProfessionals(ctx context.Context, professionalIDs []int64) ([]int64, error) {
	if len(professionalIDs) == 0 {
		return nil, nil
	}
	return t.int64s(ctx, "list professional specialties",
		`SELECT DISTINCT specialty_id FROM professional_specialties WHERE professional_id = ANY($1) ORDER BY specialty_id`,
		professionalIDs)
}

func (t *pgTx) ListUnitProfessionalIDs(ctx context.Context, unitID int64) ([]int64, error) {
	return t.int64s(ctx, "list unit professionals",
		`SELECT professional_id FROM unit_professionals WHERE unit_id = $1 ORDER BY professional_id`, unitID)
}

func (t *pgTx) int64s(ctx context.Context, what, sql string, args ...any) ([]int64, error) {
	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", what)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", what)
		}
		out = append(out, id)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: iterate %s", what)
}

func (t *pgTx) InsertUnitProfessional(ctx context.Context, l *model.UnitProfessionalLink) (bool, error) {
	l.CreatedAt = time.Now().UTC()
	tag, err := t.q.Exec(ctx,
		`INSERT INTO unit_professionals (unit_id, professional_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		l.UnitID, l.ProfessionalID, l.CreatedAt)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: link professional %d to unit %d", l.ProfessionalID, l.UnitID)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) DeleteUnitProfessional(ctx context.Context, unitID, professionalID int64) error {
	_, err := t.q.Exec(ctx,
		`DELETE FROM unit_professionals WHERE unit_id = $1 AND professional_id = $2`, unitID, professionalID)
	return eris.Wrapf(err, "postgres: unlink professional %d from unit %d", professionalID, unitID)
}

func (t *pgTx) ListUnitSpecialtyLinks(ctx context.Context, unitID int64) ([]model.UnitSpecialtyLink, error) {
	rows, err := t.q.Query(ctx,
		`SELECT unit_id, specialty_id, provenance, created_at FROM unit_specialties
		 WHERE unit_id = $1 ORDER BY specialty_id`, unitID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list specialty links of unit %d", unitID)
	}
	defer rows.Close()

	var out []model.UnitSpecialtyLink
	for rows.Next() {
		var (
			l    model.UnitSpecialtyLink
			prov string
		)
		if err := rows.Scan(&l.UnitID, &l.SpecialtyID, &prov, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan specialty link")
		}
		l.Provenance = model.Provenance(prov)
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate specialty links")
}

func (t *pgTx) InsertUnitSpecialtyLink(ctx context.Context, l *model.UnitSpecialtyLink) error {
	if l.Provenance == "" {
		l.Provenance = model.ProvenancePipeline
	}
	err := t.q.QueryRow(ctx,
		`INSERT INTO unit_specialties (unit_id, specialty_id, provenance) VALUES ($1, $2, $3)
		 RETURNING created_at`,
		l.UnitID, l.SpecialtyID, string(l.Provenance),
	).Scan(&l.CreatedAt)
	return eris.Wrapf(err, "postgres: link specialty %d to unit %d", l.SpecialtyID, l.UnitID)
}

func (t *pgTx) DeleteUnitSpecialtyLink(ctx context.Context, unitID, specialtyID int64) error {
	_, err := t.q.Exec(ctx,
		`DELETE FROM unit_specialties WHERE unit_id = $1 AND specialty_id = $2`, unitID, specialtyID)
	return eris.Wrapf(err, "postgres: unlink specialty %d from unit %d", specialtyID, unitID)
}

var auditColumns = []string{"table_name", "operation", "record_id", "before", "after",
	"changed_fields", "actor_id", "correlation_id", "created_at"}

// AppendAudit copies entries into audit_log inside the transaction.
func (t *pgTx) AppendAudit(ctx context.Context, entries []model.AuditEntry) error {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{e.Table, string(e.Operation), e.RecordID, jsonb(e.Before), jsonb(e.After),
			e.ChangedFields, e.ActorID, e.CorrelationID, e.CreatedAt})
	}
	_, err := db.AppendRows(ctx, t.q, "audit_log", auditColumns, rows)
	return err
}

// jsonb maps an absent snapshot to SQL NULL rather than JSON null.
func jsonb(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
