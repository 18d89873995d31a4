package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/rotisserie/eris"

	"github.com/mapatur/reconcile/internal/fault"
	"github.com/mapatur/reconcile/internal/model"
)

// sqliteTx implements Tx on an open database/sql transaction. forUpdate is
// accepted and ignored: SQLite holds one writer per database, so the
// transaction already excludes concurrent writers.
type sqliteTx struct {
	q *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStagingRow(row rowScanner) (model.StagingRecord, error) {
	var (
		r      model.StagingRecord
		status string
	)
	err := row.Scan(&r.ID, &r.OriginID, &r.UnitName, &r.ProfessionalName, &r.ProfessionalKey,
		&r.SpecialtyName, &r.Address, &status, &r.ErrorReason, &r.ProdUnitID,
		timeCol{&r.CreatedAt}, timeCol{&r.UpdatedAt})
	r.Status = model.StagingStatus(status)
	return r, err
}

func (t *sqliteTx) ListStagingByOrigin(ctx context.Context, originID string, _ bool) ([]model.StagingRecord, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+stagingColumns+` FROM staging_records WHERE origin_id = ? ORDER BY id`, originID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list staging for %s", originID)
	}
	defer rows.Close()

	var out []model.StagingRecord
	for rows.Next() {
		r, err := scanStagingRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan staging row")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate staging rows")
}

func (t *sqliteTx) ListOriginsByStatus(ctx context.Context, statuses ...model.StagingStatus) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]any, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("origin_id").Distinct().From("staging_records")
	sb.Where(sb.In("status", names...))
	sb.OrderBy("origin_id")
	query, args := sb.Build()

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list origins by status")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan origin id")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate origin ids")
}

func (t *sqliteTx) SetStagingStatus(ctx context.Context, ids []int64, status model.StagingStatus, reason string, prodUnitID *int64) error {
	if len(ids) == 0 {
		return nil
	}
	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("staging_records")
	set := []string{
		ub.Assign("status", string(status)),
		ub.Assign("error_reason", reason),
		ub.Assign("updated_at", stamp(now())),
	}
	if prodUnitID != nil {
		set = append(set, ub.Assign("prod_unit_id", *prodUnitID))
	}
	ub.Set(set...)
	ub.Where(ub.In("id", sqlbuilder.Flatten(ids)...))
	query, args := ub.Build()

	_, err := t.q.ExecContext(ctx, query, args...)
	return eris.Wrapf(err, "sqlite: set staging status %s", status)
}

func (t *sqliteTx) GetEnrichment(ctx context.Context, originID string) (*model.EnrichmentRecord, error) {
	var e model.EnrichmentRecord
	err := t.q.QueryRowContext(ctx, `SELECT `+enrichmentColumns+` FROM enrichments WHERE origin_id = ?`, originID).
		Scan(&e.OriginID, &e.DisplayName, &e.Address, &e.Neighborhood, &e.Latitude, &e.Longitude,
			&e.Phone, &e.WhatsApp, &e.Hours, &e.Email, &e.Website, &e.Instagram, &e.ImageURL,
			&e.IconURL, &e.Notes, &e.UpdatedBy, timeCol{&e.UpdatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get enrichment %s", originID)
	}
	return &e, nil
}

func (t *sqliteTx) UpsertEnrichment(ctx context.Context, e *model.EnrichmentRecord) error {
	at := now()
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO enrichments (`+enrichmentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (origin_id) DO UPDATE SET
			display_name = excluded.display_name, address = excluded.address,
			neighborhood = excluded.neighborhood, latitude = excluded.latitude,
			longitude = excluded.longitude, phone = excluded.phone, whatsapp = excluded.whatsapp,
			hours = excluded.hours, email = excluded.email, website = excluded.website,
			instagram = excluded.instagram, image_url = excluded.image_url,
			icon_url = excluded.icon_url, notes = excluded.notes,
			updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		e.OriginID, e.DisplayName, e.Address, e.Neighborhood, null(e.Latitude), null(e.Longitude), e.Phone,
		e.WhatsApp, e.Hours, e.Email, e.Website, e.Instagram, e.ImageURL, e.IconURL, e.Notes,
		null(e.UpdatedBy), stamp(at),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert enrichment %s", e.OriginID)
	}
	e.UpdatedAt = at
	return nil
}

const sqliteUnitColumns = `id, origin_id, name, address, neighborhood, latitude, longitude,
	phone, whatsapp, hours, email, website, instagram, image_url, icon_url, active, created_at, updated_at`

func scanUnitRow(row rowScanner) (*model.Unit, error) {
	var u model.Unit
	err := row.Scan(&u.ID, &u.OriginID, &u.Name, &u.Address, &u.Neighborhood, &u.Latitude, &u.Longitude,
		&u.Phone, &u.WhatsApp, &u.Hours, &u.Email, &u.Website, &u.Instagram, &u.ImageURL, &u.IconURL,
		&u.Active, timeCol{&u.CreatedAt}, timeCol{&u.UpdatedAt})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *sqliteTx) GetUnit(ctx context.Context, id int64, _ bool) (*model.Unit, error) {
	u, err := scanUnitRow(t.q.QueryRowContext(ctx, `SELECT `+sqliteUnitColumns+` FROM units WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFound("unit", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get unit %d", id)
	}
	return u, nil
}

func (t *sqliteTx) FindActiveUnitByOrigin(ctx context.Context, originID string, _ bool) (*model.Unit, error) {
	u, err := scanUnitRow(t.q.QueryRowContext(ctx,
		`SELECT `+sqliteUnitColumns+` FROM units WHERE origin_id = ? AND active = 1`, originID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find unit for origin %s", originID)
	}
	return u, nil
}

func (t *sqliteTx) InsertUnit(ctx context.Context, u *model.Unit) error {
	at := now()
	err := t.q.QueryRowContext(ctx,
		`INSERT INTO units (origin_id, name, address, neighborhood, latitude, longitude, phone, whatsapp,
			hours, email, website, instagram, image_url, icon_url, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		null(u.OriginID), u.Name, u.Address, u.Neighborhood, u.Latitude, u.Longitude, u.Phone, u.WhatsApp,
		u.Hours, u.Email, u.Website, u.Instagram, u.ImageURL, u.IconURL, u.Active, stamp(at), stamp(at),
	).Scan(&u.ID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert unit %q", u.Name)
	}
	u.CreatedAt, u.UpdatedAt = at, at
	return nil
}

func (t *sqliteTx) UpdateUnit(ctx context.Context, u *model.Unit) error {
	at := now()
	var createdAt time.Time
	err := t.q.QueryRowContext(ctx,
		`UPDATE units SET origin_id = ?, name = ?, address = ?, neighborhood = ?, latitude = ?,
			longitude = ?, phone = ?, whatsapp = ?, hours = ?, email = ?, website = ?, instagram = ?,
			image_url = ?, icon_url = ?, active = ?, updated_at = ?
		 WHERE id = ?
		 RETURNING created_at`,
		null(u.OriginID), u.Name, u.Address, u.Neighborhood, u.Latitude, u.Longitude, u.Phone,
		u.WhatsApp, u.Hours, u.Email, u.Website, u.Instagram, u.ImageURL, u.IconURL, u.Active,
		stamp(at), u.ID,
	).Scan(timeCol{&createdAt})
	if errors.Is(err, sql.ErrNoRows) {
		return fault.NotFound("unit", u.ID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update unit %d", u.ID)
	}
	u.CreatedAt, u.UpdatedAt = createdAt, at
	return nil
}

func (t *sqliteTx) ListActiveUnits(ctx context.Context) ([]model.Unit, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+sqliteUnitColumns+` FROM units WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active units")
	}
	defer rows.Close()

	var out []model.Unit
	for rows.Next() {
		u, err := scanUnitRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unit")
		}
		out = append(out, *u)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate units")
}

func (t *sqliteTx) findProfessional(ctx context.Context, where string, arg string) (*model.Professional, error) {
	var p model.Professional
	err := t.q.QueryRowContext(ctx,
		`SELECT `+professionalColumns+` FROM professionals WHERE `+where+` ORDER BY id LIMIT 1`, arg).
		Scan(&p.ID, &p.NaturalKey, &p.Name, &p.NormalizedName, timeCol{&p.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find professional %q", arg)
	}
	return &p, nil
}

func (t *sqliteTx) FindProfessionalByKey(ctx context.Context, key string) (*model.Professional, error) {
	return t.findProfessional(ctx, "natural_key = ?", key)
}

func (t *sqliteTx) FindProfessionalByName(ctx context.Context, normalized string) (*model.Professional, error) {
	return t.findProfessional(ctx, "normalized_name = ?", normalized)
}

func (t *sqliteTx) InsertProfessional(ctx context.Context, p *model.Professional) error {
	at := now()
	err := t.q.QueryRowContext(ctx,
		`INSERT INTO professionals (natural_key, name, normalized_name, created_at) VALUES (?, ?, ?, ?)
		 RETURNING id`,
		null(p.NaturalKey), p.Name, p.NormalizedName, stamp(at),
	).Scan(&p.ID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert professional %q", p.Name)
	}
	p.CreatedAt = at
	return nil
}

func (t *sqliteTx) ListSpecialtyMappings(ctx context.Context) ([]model.SpecialtyMapping, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT raw_name, canonical_name FROM specialty_mappings ORDER BY raw_name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list specialty mappings")
	}
	defer rows.Close()

	var out []model.SpecialtyMapping
	for rows.Next() {
		var m model.SpecialtyMapping
		if err := rows.Scan(&m.RawName, &m.CanonicalName); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan specialty mapping")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate specialty mappings")
}

func (t *sqliteTx) FindSpecialtyByName(ctx context.Context, normalized string) (*model.Specialty, error) {
	var s model.Specialty
	err := t.q.QueryRowContext(ctx,
		`SELECT id, name, normalized_name, created_at FROM specialties WHERE normalized_name = ?`, normalized).
		Scan(&s.ID, &s.Name, &s.NormalizedName, timeCol{&s.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find specialty %q", normalized)
	}
	return &s, nil
}

func (t *sqliteTx) InsertSpecialty(ctx context.Context, s *model.Specialty) error {
	at := now()
	err := t.q.QueryRowContext(ctx,
		`INSERT INTO specialties (name, normalized_name, created_at) VALUES (?, ?, ?) RETURNING id`,
		s.Name, s.NormalizedName, stamp(at),
	).Scan(&s.ID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert specialty %q", s.Name)
	}
	s.CreatedAt = at
	return nil
}

func (t *sqliteTx) AssignProfessionalSpecialty(ctx context.Context, a *model.ProfessionalSpecialty) (bool, error) {
	a.CreatedAt = now()
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO professional_specialties (professional_id, specialty_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (professional_id, specialty_id) DO NOTHING`,
		a.ProfessionalID, a.SpecialtyID, stamp(a.CreatedAt))
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: assign specialty %d to professional %d", a.SpecialtyID, a.ProfessionalID)
	}
	return created(res)
}

func (t *sqliteTx) ListSpecialtyIDsForProfessionals(ctx context.Context, professionalIDs []int64) ([]int64, error) {
	if len(professionalIDs) == 0 {
		return nil, nil
	}
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("specialty_id").Distinct().From("professional_specialties")
	sb.Where(sb.In("professional_id", sqlbuilder.Flatten(professionalIDs)...))
	sb.OrderBy("specialty_id")
	query, args := sb.Build()
	return t.int64s(ctx, "list professional specialties", query, args...)
}

func (t *sqliteTx) ListUnitProfessionalIDs(ctx context.Context, unitID int64) ([]int64, error) {
	return t.int64s(ctx, "list unit professionals",
		`SELECT professional_id FROM unit_professionals WHERE unit_id = ? ORDER BY professional_id`, unitID)
}

func (t *sqliteTx) int64s(ctx context.Context, what, query string, args ...any) ([]int64, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", what)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", what)
		}
		out = append(out, id)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: iterate %s", what)
}

func (t *sqliteTx) InsertUnitProfessional(ctx context.Context, l *model.UnitProfessionalLink) (bool, error) {
	l.CreatedAt = now()
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO unit_professionals (unit_id, professional_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (unit_id, professional_id) DO NOTHING`,
		l.UnitID, l.ProfessionalID, stamp(l.CreatedAt))
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: link professional %d to unit %d", l.ProfessionalID, l.UnitID)
	}
	return created(res)
}

func created(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (t *sqliteTx) DeleteUnitProfessional(ctx context.Context, unitID, professionalID int64) error {
	_, err := t.q.ExecContext(ctx,
		`DELETE FROM unit_professionals WHERE unit_id = ? AND professional_id = ?`, unitID, professionalID)
	return eris.Wrapf(err, "sqlite: unlink professional %d from unit %d", professionalID, unitID)
}

func (t *sqliteTx) ListUnitSpecialtyLinks(ctx context.Context, unitID int64) ([]model.UnitSpecialtyLink, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT unit_id, specialty_id, provenance, created_at FROM unit_specialties
		 WHERE unit_id = ? ORDER BY specialty_id`, unitID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list specialty links of unit %d", unitID)
	}
	defer rows.Close()

	var out []model.UnitSpecialtyLink
	for rows.Next() {
		var (
			l    model.UnitSpecialtyLink
			prov string
		)
		if err := rows.Scan(&l.UnitID, &l.SpecialtyID, &prov, timeCol{&l.CreatedAt}); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan specialty link")
		}
		l.Provenance = model.Provenance(prov)
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate specialty links")
}

func (t *sqliteTx) InsertUnitSpecialtyLink(ctx context.Context, l *model.UnitSpecialtyLink) error {
	if l.Provenance == "" {
		l.Provenance = model.ProvenancePipeline
	}
	at := now()
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO unit_specialties (unit_id, specialty_id, provenance, created_at) VALUES (?, ?, ?, ?)`,
		l.UnitID, l.SpecialtyID, string(l.Provenance), stamp(at))
	if err != nil {
		return eris.Wrapf(err, "sqlite: link specialty %d to unit %d", l.SpecialtyID, l.UnitID)
	}
	l.CreatedAt = at
	return nil
}

func (t *sqliteTx) DeleteUnitSpecialtyLink(ctx context.Context, unitID, specialtyID int64) error {
	_, err := t.q.ExecContext(ctx,
		`DELETE FROM unit_specialties WHERE unit_id = ? AND specialty_id = ?`, unitID, specialtyID)
	return eris.Wrapf(err, "sqlite: unlink specialty %d from unit %d", specialtyID, unitID)
}

func (t *sqliteTx) AppendAudit(ctx context.Context, entries []model.AuditEntry) error {
	for _, e := range entries {
		before, err := jsonText(e.Before)
		if err != nil {
			return err
		}
		after, err := jsonText(e.After)
		if err != nil {
			return err
		}
		fields, err := marshalText(e.ChangedFields)
		if err != nil {
			return err
		}
		_, err = t.q.ExecContext(ctx,
			`INSERT INTO audit_log (table_name, operation, record_id, before, after, changed_fields,
				actor_id, correlation_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Table, string(e.Operation), e.RecordID, before, after, fields,
			null(e.ActorID), e.CorrelationID, stamp(e.CreatedAt))
		if err != nil {
			return eris.Wrapf(err, "sqlite: append audit for %s %s", e.Table, e.RecordID)
		}
	}
	return nil
}

// jsonText maps an absent snapshot to SQL NULL rather than JSON null.
func jsonText(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	return marshalText(m)
}
