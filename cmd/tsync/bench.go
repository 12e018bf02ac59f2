package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tablesync/internal/applier"
	"github.com/steveyegge/tablesync/internal/loadtest"
	"github.com/steveyegge/tablesync/internal/logging"
	"github.com/steveyegge/tablesync/internal/store"
	"github.com/steveyegge/tablesync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "store",
	Short:   "Measure concurrent apply and read latency on a scratch store",
	Long: `Run concurrent writers applying multi-table directives while readers
query an index, then verify that no write was lost.

The benchmark uses its own scratch store in a temporary directory and never
touches the configured database.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		opts := loadtest.DefaultOptions()
		opts.Writers, _ = cmd.Flags().GetInt("writers")
		opts.DirectivesPerWriter, _ = cmd.Flags().GetInt("directives")
		opts.BatchSize, _ = cmd.Flags().GetInt("batch")
		opts.Readers, _ = cmd.Flags().GetInt("readers")

		exitOnError(runBench(cmd.Context(), loadSettings(), opts, os.Stdout))
	},
}

func runBench(ctx context.Context, cfg settings, opts loadtest.Options, w io.Writer) error {
	dir, err := os.MkdirTemp("", "tsync-bench-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	storeOpts := store.DefaultOptions(dir)
	storeOpts.Logger = logging.Component(logger, "store")
	m, s, err := loadtest.OpenStore(ctx, dir, storeOpts)
	if err != nil {
		return err
	}
	defer m.Close()

	fmt.Fprintf(w, "%s Running %d writers x %d directives (%d items each), %d readers...\n",
		ui.RenderAccent("●"), opts.Writers, opts.DirectivesPerWriter, opts.BatchSize, opts.Readers)

	a := applier.New(s, applier.WithLogger(logging.Component(logger, "applier")), applier.WithValidation(cfg.Validate))
	res, err := loadtest.Run(ctx, a, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s %d items and %d events committed in %v\n\n", ui.RenderPass("✓"), res.Items, res.Events, res.Elapsed)
	res.Apply.Print(w, "Apply latency")
	fmt.Fprintln(w)
	res.Read.Print(w, "Read latency")
	return nil
}

func init() {
	defaults := loadtest.DefaultOptions()
	benchCmd.Flags().Int("writers", defaults.Writers, "Concurrent writers")
	benchCmd.Flags().Int("directives", defaults.DirectivesPerWriter, "Directives applied by each writer")
	benchCmd.Flags().Int("batch", defaults.BatchSize, "Items put by each directive")
	benchCmd.Flags().Int("readers", defaults.Readers, "Concurrent readers")

	rootCmd.AddCommand(benchCmd)
}
