package store

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mapatur/reconcile/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrateLockKey is the advisory lock key held while migrating, so two
// processes starting together do not race on the schema.
const migrateLockKey = 0x6d617074

type migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrate applies the embedded migrations newer than the recorded schema
// version, each in its own transaction together with its version row. It
// returns the names it applied.
func Migrate(ctx context.Context, pool db.Pool) ([]string, error) {
	all, err := loadMigrations(migrationFS)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrateLockKey); err != nil {
		return nil, eris.Wrap(err, "store: take migrate lock")
	}
	defer func() {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrateLockKey); err != nil {
			zap.L().Warn("store: release migrate lock", zap.Error(err))
		}
	}()

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return nil, eris.Wrap(err, "store: create schema_version")
	}

	var current int
	if err := pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return nil, eris.Wrap(err, "store: read schema version")
	}

	var applied []string
	for _, m := range all {
		if m.Version <= current {
			continue
		}
		err := db.WithTx(ctx, pool, db.TxOptions{}, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return eris.Wrapf(err, "store: apply migration %s", m.Name)
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_version (version, name) VALUES ($1, $2)", m.Version, m.Name)
			return eris.Wrapf(err, "store: record migration %s", m.Name)
		})
		if err != nil {
			return applied, err
		}
		zap.L().Info("migration applied", zap.Int("version", m.Version), zap.String("name", m.Name))
		applied = append(applied, m.Name)
	}
	return applied, nil
}

// loadMigrations reads NNN_name.sql files from fsys in version order.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "store: list migrations")
	}

	seen := make(map[int]string, len(entries))
	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, _ := strings.Cut(e.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			return nil, eris.Errorf("store: migration %s has no version prefix", e.Name())
		}
		if prev, dup := seen[v]; dup {
			return nil, eris.Errorf("store: migrations %s and %s share version %d", prev, e.Name(), v)
		}
		seen[v] = e.Name()

		data, err := fs.ReadFile(fsys, "migrations/"+e.Name())
		if err != nil {
			return nil, eris.Wrapf(err, "store: read migration %s", e.Name())
		}
		out = append(out, migration{Version: v, Name: e.Name(), SQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
