package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tablesync/internal/migrate"
	"github.com/steveyegge/tablesync/internal/store"
	"github.com/steveyegge/tablesync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <table>",
	GroupID: "store",
	Short:   "Export a table as JSONL",
	Long: `Write every record of a table as one JSON line:

  {"key": "1", "record": {"id": "1", "title": "Buy milk"}}

Writes to stdout unless --output is given.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")

		w := io.Writer(os.Stdout)
		if output != "" && output != "-" {
			f, err := os.Create(output)
			exitOnError(err)
			defer f.Close()
			w = f
		}
		n, err := runExport(cmd.Context(), loadSettings(), args[0], w)
		exitOnError(err)
		if output != "" && output != "-" {
			fmt.Fprintf(os.Stderr, "%s Exported %d records to %s\n", ui.RenderPass("✓"), n, output)
		}
	},
}

func runExport(ctx context.Context, cfg settings, table string, w io.Writer) (int, error) {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer a.Close()

	t := a.store.Table(table)
	if t == nil {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	return migrate.Export(ctx, t, w, store.ListOptions{})
}

var importCmd = &cobra.Command{
	Use:     "import <table> [file]",
	GroupID: "store",
	Short:   "Import JSONL records into a table",
	Long: `Read JSON lines as written by export and put them into a table.
Records are written in batches; each batch is one transaction. A failing
batch stops the import and leaves earlier batches committed.

Reads stdin when no file is given or the file is "-".`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		batch, _ := cmd.Flags().GetInt("batch")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		in := io.Reader(os.Stdin)
		if len(args) == 2 && args[1] != "-" {
			// #nosec G304 - path comes from the command line
			f, err := os.Open(args[1])
			exitOnError(err)
			defer f.Close()
			in = f
		}
		opts := migrate.ImportOptions{BatchSize: batch, DryRun: dryRun}
		exitOnError(runImport(cmd.Context(), loadSettings(), args[0], in, opts, os.Stdout))
	},
}

func runImport(ctx context.Context, cfg settings, table string, in io.Reader, opts migrate.ImportOptions, w io.Writer) error {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := migrate.Import(ctx, a.applier, table, in, opts)
	if res != nil && res.Records > 0 {
		verb := "Imported"
		if opts.DryRun {
			verb = "Would import"
		}
		fmt.Fprintf(w, "%s %s %d records in %d batches\n", ui.RenderPass("✓"), verb, res.Records, res.Batches)
	}
	return err
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	importCmd.Flags().Int("batch", 500, "Records per transaction")
	importCmd.Flags().Bool("dry-run", false, "Parse the input without writing")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
