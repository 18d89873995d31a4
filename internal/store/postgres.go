package store

import (
	"context"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/mapatur/reconcile/internal/db"
	"github.com/mapatur/reconcile/internal/fault"
	"github.com/mapatur/reconcile/internal/model"
)

// Postgres implements Store on a pgx pool. Transactions run at read
// committed; promotion and merge take row locks with SELECT ... FOR UPDATE.
type Postgres struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a Postgres store with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*Postgres, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(8)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &Postgres{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close does not close it.
func NewPostgresFromPool(pool db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Pool returns the underlying pool, for migrations.
func (s *Postgres) Pool() db.Pool {
	return s.pool
}

// Close closes the pool if this store opened it.
func (s *Postgres) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InTx implements Store.
func (s *Postgres) InTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx Tx) error) error {
	err := db.WithTx(ctx, s.pool, opts, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{q: tx})
	})
	return fault.Transaction(err)
}

// Re-ingesting a row refreshes its source fields but never reopens a
// promoted row.
var stagingMerge = db.Merge{
	Table:   "staging_records",
	Columns: []string{"origin_id", "unit_name", "professional_name", "professional_key", "specialty_name", "address", "updated_at"},
	Key:     []string{"origin_id", "professional_name", "specialty_name"},
	Refresh: []string{"unit_name", "professional_key", "address", "updated_at"},
	Guard:   "t.status <> 'promoted'",
}

// IngestStaging implements Store.
func (s *Postgres) IngestStaging(ctx context.Context, recs []model.StagingRecord) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []any{r.OriginID, r.UnitName, r.ProfessionalName, r.ProfessionalKey, r.SpecialtyName, r.Address, now})
	}

	var n int64
	err := db.WithTx(ctx, s.pool, db.TxOptions{}, func(tx pgx.Tx) error {
		var err error
		n, err = db.MergeRows(ctx, tx, stagingMerge, rows)
		return err
	})
	if err != nil {
		return 0, eris.Wrap(err, "postgres: ingest staging")
	}
	return n, nil
}

const defaultAuditLimit = 100

// ListAudit implements Store.
func (s *Postgres) ListAudit(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	query, args := auditQuery(sqlbuilder.PostgreSQL, f)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e  model.AuditEntry
			op string
		)
		if err := rows.Scan(&e.ID, &e.Table, &op, &e.RecordID, &e.Before, &e.After,
			&e.ChangedFields, &e.ActorID, &e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit entry")
		}
		e.Operation = model.AuditOperation(op)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate audit entries")
}

// auditQuery builds the audit read for either backend. SQLite keeps
// timestamps as stamp text, so its time bounds are compared as text too.
func auditQuery(flavor sqlbuilder.Flavor, f model.AuditFilter) (string, []any) {
	at := func(t time.Time) any { return t }
	if flavor == sqlbuilder.SQLite {
		at = func(t time.Time) any { return stamp(t) }
	}

	sb := flavor.NewSelectBuilder()
	sb.Select("id", "table_name", "operation", "record_id", "before", "after",
		"changed_fields", "actor_id", "correlation_id", "created_at")
	sb.From("audit_log")

	var where []string
	if f.Table != "" {
		where = append(where, sb.Equal("table_name", f.Table))
	}
	if f.Operation != "" {
		where = append(where, sb.Equal("operation", string(f.Operation)))
	}
	if f.RecordID != "" {
		where = append(where, sb.Equal("record_id", f.RecordID))
	}
	if f.ActorID != nil {
		where = append(where, sb.Equal("actor_id", *f.ActorID))
	}
	if f.Since != nil {
		where = append(where, sb.GreaterEqualThan("created_at", at(*f.Since)))
	}
	if f.Until != nil {
		where = append(where, sb.LessThan("created_at", at(*f.Until)))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	sb.OrderBy("id DESC")
	sb.Limit(limit)

	return sb.Build()
}
