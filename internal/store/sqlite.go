package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mapatur/reconcile/internal/fault"
	"github.com/mapatur/reconcile/internal/model"
)

// SQLite implements Store on modernc.org/sqlite. It carries the same tables
// and constraints as the Postgres schema, with coordinates as plain columns
// instead of a PostGIS point.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database. dsn is a file path or ":memory:".
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// An in-memory database lives and dies with its connection, and SQLite
	// runs one writer at a time anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	if !strings.Contains(dsn, ":memory:") {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLite{db: db}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS staging_records (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	origin_id         TEXT NOT NULL,
	unit_name         TEXT NOT NULL,
	professional_name TEXT NOT NULL,
	professional_key  TEXT NOT NULL DEFAULT '',
	specialty_name    TEXT NOT NULL DEFAULT '',
	address           TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'enriched', 'promoted', 'error')),
	error_reason      TEXT NOT NULL DEFAULT '',
	prod_unit_id      INTEGER REFERENCES units(id),
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	UNIQUE (origin_id, professional_name, specialty_name)
);

CREATE INDEX IF NOT EXISTS idx_staging_origin ON staging_records(origin_id);
CREATE INDEX IF NOT EXISTS idx_staging_status ON staging_records(status);

CREATE TABLE IF NOT EXISTS enrichments (
	origin_id    TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	address      TEXT NOT NULL DEFAULT '',
	neighborhood TEXT NOT NULL DEFAULT '',
	latitude     REAL,
	longitude    REAL,
	phone        TEXT NOT NULL DEFAULT '',
	whatsapp     TEXT NOT NULL DEFAULT '',
	hours        TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	website      TEXT NOT NULL DEFAULT '',
	instagram    TEXT NOT NULL DEFAULT '',
	image_url    TEXT NOT NULL DEFAULT '',
	icon_url     TEXT NOT NULL DEFAULT '',
	notes        TEXT NOT NULL DEFAULT '',
	updated_by   INTEGER,
	updated_at   TEXT NOT NULL,
	CHECK ((latitude IS NULL) = (longitude IS NULL))
);

CREATE TABLE IF NOT EXISTS units (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	origin_id    TEXT,
	name         TEXT NOT NULL,
	address      TEXT NOT NULL DEFAULT '',
	neighborhood TEXT NOT NULL DEFAULT '',
	latitude     REAL NOT NULL DEFAULT 0,
	longitude    REAL NOT NULL DEFAULT 0,
	phone        TEXT NOT NULL DEFAULT '',
	whatsapp     TEXT NOT NULL DEFAULT '',
	hours        TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	website      TEXT NOT NULL DEFAULT '',
	instagram    TEXT NOT NULL DEFAULT '',
	image_url    TEXT NOT NULL DEFAULT '',
	icon_url     TEXT NOT NULL DEFAULT '',
	active       INTEGER NOT NULL DEFAULT 1,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

-- At most one active unit per origin.
CREATE UNIQUE INDEX IF NOT EXISTS idx_units_active_origin ON units(origin_id) WHERE active = 1;

CREATE TABLE IF NOT EXISTS professionals (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	natural_key     TEXT UNIQUE,
	name            TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_professionals_normalized ON professionals(normalized_name);

CREATE TABLE IF NOT EXISTS specialties (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	name            TEXT NOT NULL,
	normalized_name TEXT NOT NULL UNIQUE,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS specialty_mappings (
	raw_name       TEXT PRIMARY KEY,
	canonical_name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS professional_specialties (
	professional_id INTEGER NOT NULL REFERENCES professionals(id),
	specialty_id    INTEGER NOT NULL REFERENCES specialties(id),
	created_at      TEXT NOT NULL,
	PRIMARY KEY (professional_id, specialty_id)
);

CREATE TABLE IF NOT EXISTS unit_professionals (
	unit_id         INTEGER NOT NULL REFERENCES units(id),
	professional_id INTEGER NOT NULL REFERENCES professionals(id),
	created_at      TEXT NOT NULL,
	PRIMARY KEY (unit_id, professional_id)
);

CREATE TABLE IF NOT EXISTS unit_specialties (
	unit_id      INTEGER NOT NULL REFERENCES units(id),
	specialty_id INTEGER NOT NULL REFERENCES specialties(id),
	provenance   TEXT NOT NULL DEFAULT 'pipeline' CHECK (provenance IN ('pipeline', 'manual')),
	created_at   TEXT NOT NULL,
	PRIMARY KEY (unit_id, specialty_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name     TEXT NOT NULL,
	operation      TEXT NOT NULL CHECK (operation IN ('insert', 'update', 'delete')),
	record_id      TEXT NOT NULL,
	before         TEXT,
	after          TEXT,
	changed_fields TEXT NOT NULL DEFAULT '[]',
	actor_id       INTEGER,
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_record ON audit_log(table_name, record_id);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_log(correlation_id);
`

// Migrate creates the schema. It is idempotent.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SeedMappings upserts curated specialty mappings. The mapping table is
// maintained outside the pipeline, so Tx has no write method for it.
func (s *SQLite) SeedMappings(ctx context.Context, mappings ...model.SpecialtyMapping) error {
	return s.inTx(ctx, TxOptions{}, func(tx *sql.Tx) error {
		for _, m := range mappings {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO specialty_mappings (raw_name, canonical_name) VALUES (?, ?)
				 ON CONFLICT (raw_name) DO UPDATE SET canonical_name = excluded.canonical_name`,
				m.RawName, m.CanonicalName)
			if err != nil {
				return eris.Wrapf(err, "sqlite: seed mapping %q", m.RawName)
			}
		}
		return nil
	})
}

// InTx implements Store. Lock contention is reported as a ConflictError so
// the retry policy reruns the transaction.
func (s *SQLite) InTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx Tx) error) error {
	err := s.inTx(ctx, opts, func(tx *sql.Tx) error {
		return fn(ctx, &sqliteTx{q: tx})
	})
	return fault.Transaction(busy(err))
}

func (s *SQLite) inTx(ctx context.Context, opts TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if opts.DryRun {
		return eris.Wrap(tx.Rollback(), "sqlite: rollback dry run")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func busy(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fault.Conflict(err)
		}
	}
	return err
}

// IngestStaging implements Store.
func (s *SQLite) IngestStaging(ctx context.Context, recs []model.StagingRecord) (int64, error) {
	now := stamp(time.Now())
	var n int64
	err := s.inTx(ctx, TxOptions{}, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO staging_records (origin_id, unit_name, professional_name, professional_key,
				specialty_name, address, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (origin_id, professional_name, specialty_name) DO UPDATE SET
				unit_name = excluded.unit_name, professional_key = excluded.professional_key,
				address = excluded.address, updated_at = excluded.updated_at
			 WHERE staging_records.status <> 'promoted'`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare staging upsert")
		}
		defer stmt.Close()

		for _, r := range recs {
			res, err := stmt.ExecContext(ctx, r.OriginID, r.UnitName, r.ProfessionalName, r.ProfessionalKey,
				r.SpecialtyName, r.Address, now, now)
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert staging row for %s", r.OriginID)
			}
			k, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			n += k
		}
		return nil
	})
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: ingest staging")
	}
	return n, nil
}

// ListAudit implements Store.
func (s *SQLite) ListAudit(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	query, args := auditQuery(sqlbuilder.SQLite, f)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e                     model.AuditEntry
			op                    string
			before, after, fields sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Table, &op, &e.RecordID, &before, &after,
			&fields, &e.ActorID, &e.CorrelationID, timeCol{&e.CreatedAt}); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit entry")
		}
		e.Operation = model.AuditOperation(op)
		if err := unmarshalText(before, &e.Before); err != nil {
			return nil, err
		}
		if err := unmarshalText(after, &e.After); err != nil {
			return nil, err
		}
		if err := unmarshalText(fields, &e.ChangedFields); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate audit entries")
}

// Timestamps are stored as fixed-width UTC text so they sort and compare
// as strings.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

func stamp(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

// now is truncated to what a stamp keeps, so a value written and read back
// compares equal.
func now() time.Time {
	return time.Now().UTC().Round(0)
}

// timeCol scans a stamp column into t.
type timeCol struct {
	t *time.Time
}

func (c timeCol) Scan(src any) error {
	var text string
	switch v := src.(type) {
	case nil:
		*c.t = time.Time{}
		return nil
	case time.Time:
		*c.t = v.UTC()
		return nil
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		return eris.Errorf("sqlite: cannot scan %T into a time", src)
	}
	t, err := time.Parse(sqliteTime, text)
	if err != nil {
		return eris.Wrapf(err, "sqlite: parse time %q", text)
	}
	*c.t = t
	return nil
}

// null maps a nil pointer to SQL NULL.
func null[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func marshalText(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal json column")
	}
	return string(b), nil
}

func unmarshalText(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return eris.Wrap(json.Unmarshal([]byte(s.String), dst), "sqlite: unmarshal json column")
}
