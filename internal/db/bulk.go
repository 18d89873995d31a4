package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Merge describes how a batch of rows folds into a table that already
// holds some of them.
type Merge struct {
	Table   string
	Columns []string
	Key     []string // columns of the unique constraint rows collide on
	Refresh []string // columns overwritten on collision; none means keep the existing row
	Guard   string   // predicate on the existing row, aliased t; rows failing it are left alone
}

// MergeRows stages rows in a temporary table with COPY and then folds them
// into m.Table with a single INSERT ... ON CONFLICT. q must be a
// transaction: the stage table is dropped when it commits. It returns the
// number of rows inserted or refreshed.
func MergeRows(ctx context.Context, q Querier, m Merge, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(m.Columns) == 0 || len(m.Key) == 0 {
		return 0, eris.Errorf("db: merge into %s needs columns and a key", m.Table)
	}

	stage := stageName(m.Table)
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		stage.Sanitize(), ident(m.Table).Sanitize())
	if _, err := q.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: create stage for %s", m.Table)
	}
	if _, err := q.CopyFrom(ctx, stage, m.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: copy stage for %s", m.Table)
	}

	tag, err := q.Exec(ctx, m.statement(stage))
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge stage into %s", m.Table)
	}
	return tag.RowsAffected(), nil
}

func (m Merge) statement(stage pgx.Identifier) string {
	cols := quoteList(m.Columns)

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s AS t (%s) SELECT %s FROM %s ON CONFLICT (%s) ",
		ident(m.Table).Sanitize(), cols, cols, stage.Sanitize(), quoteList(m.Key))

	if len(m.Refresh) == 0 {
		b.WriteString("DO NOTHING")
		return b.String()
	}
	b.WriteString("DO UPDATE SET ")
	for i, c := range m.Refresh {
		if i > 0 {
			b.WriteString(", ")
		}
		q := pgx.Identifier{c}.Sanitize()
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", q, q)
	}
	if m.Guard != "" {
		b.WriteString(" WHERE " + m.Guard)
	}
	return b.String()
}

// AppendRows writes rows to table with the COPY protocol.
func AppendRows(ctx context.Context, q Querier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := q.CopyFrom(ctx, ident(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy into %s", table)
	}
	return n, nil
}

// ident splits an optional schema prefix off table.
func ident(table string) pgx.Identifier {
	return pgx.Identifier(strings.SplitN(table, ".", 2))
}

func stageName(table string) pgx.Identifier {
	return pgx.Identifier{"stage_" + strings.ReplaceAll(table, ".", "_")}
}

func quoteList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(out, ", ")
}
