package store

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/pricewatch/internal/db"
	"github.com/sells-group/pricewatch/internal/model"
)

const viewColumns = `id, name, created_at, average_price, observation_count, last_observed_at, recomputed_at`

// viewDialect captures the per-backend differences of the item_prices query.
type viewDialect struct {
	ph       db.Placeholder
	nameExpr string // name column as compared by the name filter
	like     string // case-insensitive LIKE operator
	foldArg  func(string) string
	avgExpr  string // comparable/sortable form of average_price
	numArg   func(decimal.Decimal) any
}

// buildViewQuery renders the filtered, sorted item_prices query. Comparisons
// against average_price are plain SQL predicates, so NULL averages never
// match a price bound.
func buildViewQuery(f model.ViewFilter, d viewDialect) (string, []any) {
	f = f.Normalize()

	var (
		where []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return d.ph(len(args))
	}

	if f.NameContains != "" {
		needle := f.NameContains
		if d.foldArg != nil {
			needle = d.foldArg(needle)
		}
		where = append(where, fmt.Sprintf(`%s %s %s ESCAPE '\'`, d.nameExpr, d.like, bind("%"+escapeLike(needle)+"%")))
	}
	bounds := []struct {
		op  string
		val *decimal.Decimal
	}{
		{">", f.AverageGT},
		{">=", f.AverageGTE},
		{"<", f.AverageLT},
		{"<=", f.AverageLTE},
	}
	for _, b := range bounds {
		if b.val == nil {
			continue
		}
		where = append(where, fmt.Sprintf("%s %s %s", d.avgExpr, b.op, bind(d.numArg(*b.val))))
	}

	query := `SELECT ` + viewColumns + ` FROM item_prices`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}

	dir := "ASC"
	if f.Descending {
		dir = "DESC"
	}
	switch f.Sort {
	case model.SortAveragePrice:
		query += fmt.Sprintf(` ORDER BY %s %s NULLS LAST, created_at %s, id`, d.avgExpr, dir, dir)
	default:
		query += fmt.Sprintf(` ORDER BY created_at %s, id`, dir)
	}

	query += fmt.Sprintf(` LIMIT %s`, bind(f.Limit))
	if f.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %s`, bind(f.Offset))
	}
	return query, args
}

// escapeLike escapes LIKE wildcards so the filter is a literal substring.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
