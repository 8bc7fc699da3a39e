package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Placeholder renders the n-th (1-based) bind parameter for a SQL dialect.
type Placeholder func(n int) string

// Dollar renders Postgres-style $n placeholders.
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// Question renders SQLite-style ? placeholders.
func Question(int) string { return "?" }

// UpsertConfig describes a single-row INSERT ... ON CONFLICT statement.
type UpsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // all columns being inserted, in bind order
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns overwritten on conflict; nil = all non-conflict columns
	DoNothing    bool     // ON CONFLICT DO NOTHING instead of DO UPDATE
	Returning    []string // optional RETURNING list
}

// Statement builds the upsert SQL. With DoNothing unset every update column
// is replaced from EXCLUDED in one statement, so a conflicting row is fully
// overwritten rather than patched.
func (cfg UpsertConfig) Statement(ph Placeholder) (string, error) {
	if cfg.Table == "" {
		return "", eris.New("db: upsert: no table specified")
	}
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}

	binds := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		binds[i] = ph(i + 1)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s)",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(binds, ", "),
		quoteAndJoin(cfg.ConflictKeys),
	)

	if cfg.DoNothing {
		b.WriteString(" DO NOTHING")
	} else {
		updateCols := cfg.UpdateCols
		if updateCols == nil {
			conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
			for _, k := range cfg.ConflictKeys {
				conflictSet[k] = true
			}
			for _, c := range cfg.Columns {
				if !conflictSet[c] {
					updateCols = append(updateCols, c)
				}
			}
		}
		if len(updateCols) == 0 {
			return "", eris.New("db: upsert: nothing to update on conflict")
		}

		setClauses := make([]string, len(updateCols))
		for i, col := range updateCols {
			id := pgx.Identifier{col}.Sanitize()
			setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", id, id)
		}
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(setClauses, ", "))
	}

	if len(cfg.Returning) > 0 {
		b.WriteString(" RETURNING ")
		b.WriteString(quoteAndJoin(cfg.Returning))
	}
	return b.String(), nil
}

// MustStatement is Statement for package-level statement tables; it panics on
// a malformed config.
func (cfg UpsertConfig) MustStatement(ph Placeholder) string {
	s, err := cfg.Statement(ph)
	if err != nil {
		panic(err)
	}
	return s
}

// sanitizeTable handles schema-qualified table names like "public.items".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
