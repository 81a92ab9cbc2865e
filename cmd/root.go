package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cartokit/layerlens/internal/layer"
	"github.com/cartokit/layerlens/internal/legendstore"
	"github.com/cartokit/layerlens/internal/mapdoc"
)

var (
	flagVerbose   bool
	flagStyle     string
	flagScale     float64
	flagKeepOrder bool
	flagAllLayers bool
	flagLegendsDB string
	flagSelect    string
	flagDebounce  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "layerlens",
	Short: "Layerlens: project map layer trees into flat display lists",
	Long: `Layerlens walks a map document's tree of layers, sublayers, and
legend entries and maintains a flattened, ordered, filtered display
list, recomputed on every visibility, scale, or structure change.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}

// addProjectionFlags wires the shared filtering/ordering flags onto a
// subcommand.
func addProjectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagStyle, "style", "show-all", "display style: show-all or visible-at-scale")
	cmd.Flags().Float64Var(&flagScale, "scale", 0, "current display scale (0 = none)")
	cmd.Flags().BoolVar(&flagKeepOrder, "keep-order", false, "keep document root order instead of reversing it")
	cmd.Flags().BoolVar(&flagAllLayers, "all-layers", false, "include layers marked show_in_legend=false")
	cmd.Flags().StringVar(&flagLegendsDB, "legends", "", "path to a legend database for legend_ref layers")
	cmd.Flags().StringVar(&flagSelect, "select", "", "JSONPath expression restricting root layers")
	cmd.Flags().DurationVar(&flagDebounce, "debounce", 0, "coalesce recompute bursts within this window")
}

// newLogger builds the CLI logger.
func newLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if flagVerbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	config.OutputPaths = []string{"stderr"}
	return config.Build()
}

// projectionConfig translates flags into a display configuration.
func projectionConfig(title string) (layer.Config, error) {
	cfg := layer.DefaultConfig()
	cfg.Title = title
	cfg.RespectInitialOrder = flagKeepOrder
	cfg.RespectShowInLegend = !flagAllLayers
	switch flagStyle {
	case "show-all":
		cfg.Style = layer.ShowAll
	case "visible-at-scale":
		cfg.Style = layer.VisibleAtScaleOnly
	default:
		return cfg, fmt.Errorf("unknown style %q (want show-all or visible-at-scale)", flagStyle)
	}
	return cfg, nil
}

// flagScaleProvider exposes the --scale flag as a scale provider; an
// unset flag reports no scale.
type flagScaleProvider struct{}

func (flagScaleProvider) CurrentScale() (float64, bool) {
	return flagScale, flagScale > 0
}

// openSource opens the map document plus its optional legend database.
func openSource(path string, log *zap.Logger) (*mapdoc.Source, *legendstore.Store, error) {
	var legends *legendstore.Store
	opts := []mapdoc.Option{mapdoc.WithLogger(log)}
	if flagLegendsDB != "" {
		var err error
		legends, err = legendstore.Open(flagLegendsDB)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, mapdoc.WithLegendStore(legends))
	}
	if flagSelect != "" {
		opts = append(opts, mapdoc.WithSelect(flagSelect))
	}
	src, err := mapdoc.Open(path, opts...)
	if err != nil {
		if legends != nil {
			_ = legends.Close()
		}
		return nil, nil, err
	}
	return src, legends, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
