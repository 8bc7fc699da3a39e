package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pricewatch/internal/model"
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List items with their current average price",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := itemsFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rows, err := st.ListItemPrices(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "items")
		}
		if len(rows) == 0 && format == "table" {
			fmt.Fprintln(os.Stderr, "No items found.")
			return nil
		}
		return writeItems(os.Stdout, rows, format)
	},
}

func itemsFilterFromFlags(cmd *cobra.Command) (model.ViewFilter, error) {
	f := model.ViewFilter{}
	f.NameContains, _ = cmd.Flags().GetString("name")
	f.Descending, _ = cmd.Flags().GetBool("desc")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	f.Offset, _ = cmd.Flags().GetInt("offset")

	sort, _ := cmd.Flags().GetString("sort")
	f.Sort = model.SortField(sort)
	if !f.Sort.Valid() {
		return f, eris.Errorf("items: unsupported sort %q", sort)
	}

	for flag, dst := range map[string]**decimal.Decimal{
		"gt":  &f.AverageGT,
		"gte": &f.AverageGTE,
		"lt":  &f.AverageLT,
		"lte": &f.AverageLTE,
	} {
		raw, _ := cmd.Flags().GetString(flag)
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return f, eris.Wrapf(err, "items: --%s", flag)
		}
		*dst = &d
	}
	return f.Normalize(), nil
}

// writeItems renders rows as a table, JSON or YAML.
func writeItems(w io.Writer, rows []model.ItemPrice, format string) error {
	switch format {
	case "json":
		if rows == nil {
			rows = []model.ItemPrice{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return eris.Wrap(err, "items: encode yaml")
		}
		return enc.Close()
	case "table":
		formatItemsTable(w, rows)
		return nil
	default:
		return eris.Errorf("items: unsupported format %q", format)
	}
}

func formatItemsTable(out io.Writer, rows []model.ItemPrice) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tAVERAGE\tCOUNT\tLAST_OBSERVED")
	for _, r := range rows {
		avg, last := "-", "-"
		if r.HasPrice() {
			avg = r.AveragePrice.StringFixed(2)
		}
		if r.LastObservedAt != nil {
			last = r.LastObservedAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Name, avg, r.ObservationCount, last)
	}
	_ = w.Flush()
}

func addItemsFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "case-insensitive name substring")
	cmd.Flags().String("gt", "", "average price greater than")
	cmd.Flags().String("gte", "", "average price greater than or equal to")
	cmd.Flags().String("lt", "", "average price less than")
	cmd.Flags().String("lte", "", "average price less than or equal to")
	cmd.Flags().String("sort", string(model.SortCreatedAt), "sort column (created_at, average_price)")
	cmd.Flags().Bool("desc", false, "sort descending")
	cmd.Flags().Int("limit", model.DefaultViewLimit, "max rows")
	cmd.Flags().Int("offset", 0, "rows to skip")
	cmd.Flags().String("format", "table", "output format (table, json, yaml)")
}

func init() {
	addItemsFlags(itemsCmd)
	rootCmd.AddCommand(itemsCmd)
}
