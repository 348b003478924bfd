package catalogcmd

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
)

var flagOutput string

// CatalogCmd inspects the schema catalog compiled into the binary.
var CatalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Show the entity types in dependency order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat := catalog.Default()
		type row struct {
			Level       int      `json:"level"`
			Name        string   `json:"name"`
			Table       string   `json:"table"`
			NaturalKey  []string `json:"natural_key"`
			ConflictKey []string `json:"conflict_key"`
			References  []string `json:"references"`
		}
		var rows []row
		for lvl, types := range cat.Levels() {
			for _, et := range types {
				refs := []string{}
				for _, r := range et.References {
					s := r.Column + "->" + r.Target
					if r.Deferred {
						s += " (deferred)"
					} else if r.Optional {
						s += " (optional)"
					}
					refs = append(refs, s)
				}
				rows = append(rows, row{Level: lvl, Name: et.Name, Table: et.Table, NaturalKey: et.NaturalKey, ConflictKey: et.ConflictKey, References: refs})
			}
		}
		if flagOutput == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"schema_version":         cat.SchemaVersion(),
				"min_compatible_version": cat.MinCompatibleVersion(),
				"entity_types":           rows,
			})
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"LEVEL", "TYPE", "NATURAL KEY", "CONFLICT KEY", "REFERENCES"})
		for _, r := range rows {
			table.Append([]string{strconv.Itoa(r.Level), r.Name, strings.Join(r.NaturalKey, ","), strings.Join(r.ConflictKey, ","), strings.Join(r.References, "\n")})
		}
		table.Render()
		return nil
	},
}

func init() {
	CatalogCmd.Flags().StringVar(&flagOutput, "output", "table", "Output format: table or json")
}
