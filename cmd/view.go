package cmd

import (
	"github.com/spf13/cobra"

	"github.com/cartokit/layerlens/internal/projector"
	"github.com/cartokit/layerlens/internal/tui"
)

var flagWatch bool

var viewCmd = &cobra.Command{
	Use:   "view [mapdoc.json]",
	Short: "Interactively browse a map document's layer contents",
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

		p := projector.New(
			projector.WithLogger(log),
			projector.WithDebounce(flagDebounce),
		)
		defer p.Close()

		p.SetSource(src.RootNodes(), cfg)
		p.SetScaleFrom(flagScaleProvider{})

		if flagWatch {
			if err := src.Watch(); err != nil {
				return err
			}
			// Document edits replace the root set wholesale; the
			// projector's generation tagging discards the old walk.
			cancel := src.OnChanged(func() {
				p.SetSource(src.RootNodes(), cfg)
			})
			defer cancel()
		}

		return tui.Run(p)
	},
}

func init() {
	addProjectionFlags(viewCmd)
	viewCmd.Flags().BoolVar(&flagWatch, "watch", false, "reload when the document changes on disk")
	rootCmd.AddCommand(viewCmd)
}
