package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cartokit/layerlens/internal/layer"
	"github.com/cartokit/layerlens/internal/projector"
)

var flagJSON bool

// dumpRow is the JSON shape of one display list row.
type dumpRow struct {
	Kind   string `json:"kind"`
	Title  string `json:"title,omitempty"`
	Label  string `json:"label,omitempty"`
	Swatch string `json:"swatch,omitempty"`
	Depth  int    `json:"depth"`
}

var dumpCmd = &cobra.Command{
	Use:   "dump [mapdoc.json]",
	Short: "Print a map document's display list once it converges",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }() // safe to ignore

		src, legends, err := openSource(args[0], log)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		if legends != nil {
			defer func() { _ = legends.Close() }()
		}

		cfg, err := projectionConfig(src.Title())
		if err != nil {
			return err
		}

		p := projector.New(projector.WithLogger(log))
		defer p.Close()

		changed := make(chan struct{}, 1)
		cancel := p.OnDisplayListChanged(func(layer.DisplayList) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		defer cancel()

		p.SetSource(src.RootNodes(), cfg)
		p.SetScaleFrom(flagScaleProvider{})

		list := awaitQuiesce(p, changed, 200*time.Millisecond, 5*time.Second)

		if flagJSON {
			rows := make([]dumpRow, 0, list.Len())
			for _, it := range list.Items {
				switch it.Kind {
				case layer.ItemLayer:
					rows = append(rows, dumpRow{Kind: "layer", Title: it.Node.Title(), Depth: it.Depth})
				case layer.ItemLegend:
					rows = append(rows, dumpRow{Kind: "legend", Label: it.Entry.Label, Swatch: it.Entry.Swatch, Depth: it.Depth})
				}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		}

		for _, it := range list.Items {
			indent := strings.Repeat("  ", it.Depth)
			switch it.Kind {
			case layer.ItemLayer:
				fmt.Printf("%s%s\n", indent, it.Node.Title())
			case layer.ItemLegend:
				fmt.Printf("%s- %s\n", indent, it.Entry.Label)
			}
		}
		return nil
	},
}

// awaitQuiesce waits until no display list change has arrived for quiet
// (or overall timeout), then snapshots the list. The list converges to
// its final value after the last outstanding async completion; any
// intermediate notification simply re-arms the quiet window.
func awaitQuiesce(p *projector.Projector, changed <-chan struct{}, quiet, timeout time.Duration) layer.DisplayList {
	deadline := time.After(timeout)
	for {
		select {
		case <-changed:
		case <-time.After(quiet):
			return p.CurrentDisplayList()
		case <-deadline:
			return p.CurrentDisplayList()
		}
	}
}

func init() {
	addProjectionFlags(dumpCmd)
	dumpCmd.Flags().BoolVar(&flagJSON, "json", false, "emit the display list as JSON")
	rootCmd.AddCommand(dumpCmd)
}
