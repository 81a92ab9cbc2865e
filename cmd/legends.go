package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cartokit/layerlens/api"
	"github.com/cartokit/layerlens/internal/layer"
	"github.com/cartokit/layerlens/internal/legendstore"
)

var legendsCmd = &cobra.Command{
	Use:   "legends",
	Short: "Work with legend databases",
}

var legendsBuildCmd = &cobra.Command{
	Use:   "build [mapdoc.json] [output.db]",
	Short: "Build a legend database from a map document's inline legends",
	Long: `Collects every layer's inline legend entries into a SQLite legend
database keyed by layer id, so documents can reference them through
legend_ref instead of repeating entries inline.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read map document: %w", err)
		}
		var doc api.MapDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse map document: %w", err)
		}

		w, err := legendstore.Create(args[1])
		if err != nil {
			return err
		}

		count := 0
		var put func(defs []api.LayerDef) error
		put = func(defs []api.LayerDef) error {
			for _, def := range defs {
				if len(def.Legend) > 0 {
					entries := make([]layer.LegendEntry, len(def.Legend))
					for i, l := range def.Legend {
						entries[i] = layer.LegendEntry{Label: l.Label, Swatch: l.Swatch}
					}
					if err := w.Put(def.ID, entries); err != nil {
						return err
					}
					count++
				}
				if err := put(def.Sublayers); err != nil {
					return err
				}
			}
			return nil
		}
		if err := put(doc.Layers); err != nil {
			_ = w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}

		fmt.Printf("Wrote legends for %d layers to %s\n", count, args[1])
		return nil
	},
}

func init() {
	legendsCmd.AddCommand(legendsBuildCmd)
	rootCmd.AddCommand(legendsCmd)
}
