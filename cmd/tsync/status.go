package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/steveyegge/tablesync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "store",
	Short:   "Show store location, version and table sizes",
	Long: `Open (creating or migrating if needed) the store and display:
  - Database file location and size
  - Schema version
  - Each table with its primary key and record count`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		exitOnError(runStatus(cmd.Context(), loadSettings(), os.Stdout))
	},
}

func runStatus(ctx context.Context, cfg settings, w io.Writer) error {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	version, err := a.store.Version(ctx)
	if err != nil {
		return err
	}

	size := "unknown"
	if info, err := os.Stat(a.store.Path()); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}

	var rows [][]string
	for _, name := range a.store.Tables() {
		t := a.store.Table(name)
		n, err := t.Count(ctx)
		if err != nil {
			return err
		}
		rows = append(rows, []string{name, t.Keys().Primary.String(), strconv.Itoa(n)})
	}

	fmt.Fprintf(w, "\n%s %s\n\n", ui.RenderAccent("●"), a.store.Registry().Name())
	fmt.Fprintf(w, "Location: %s\n", a.store.Path())
	fmt.Fprintf(w, "Size: %s\n", size)
	fmt.Fprintf(w, "Version: %d\n\n", version)
	fmt.Fprint(w, ui.Table([]string{"TABLE", "PRIMARY", "RECORDS"}, rows))
	fmt.Fprintln(w)
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
