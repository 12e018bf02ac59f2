package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/tablesync/internal/migrate"
	"github.com/steveyegge/tablesync/internal/schema"
	"github.com/steveyegge/tablesync/internal/store"
	"github.com/steveyegge/tablesync/internal/ui"
)

var dumpCmd = &cobra.Command{
	Use:     "dump <table>",
	GroupID: "store",
	Short:   "Print the records of a table",
	Long: `Print the records of a table in primary key order. Numeric keys come
first by value, then string and compound keys.

--since accepts a timestamp (RFC 3339 or 2006-01-02) or a phrase such as
"2 hours ago" or "yesterday". --where filters on the primary key or an
indexed path; the value is parsed as JSON when possible.

Examples:
  tsync dump todo
  tsync dump todo --since "30 minutes ago" --limit 20
  tsync dump todo --where completed=false --json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")
		where, _ := cmd.Flags().GetString("where")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		q := dumpQuery{Table: args[0], Since: since, Where: where, Limit: limit, JSON: asJSON}
		exitOnError(runDump(cmd.Context(), loadSettings(), q, os.Stdout))
	},
}

type dumpQuery struct {
	Table string
	Since string
	Where string
	Limit int
	JSON  bool
}

func runDump(ctx context.Context, cfg settings, q dumpQuery, w io.Writer) error {
	opts := store.ListOptions{Limit: q.Limit}
	if q.Since != "" {
		since, err := parseSince(q.Since, time.Now())
		if err != nil {
			return err
		}
		opts.Since = since
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	t := a.store.Table(q.Table)
	if t == nil {
		return fmt.Errorf("unknown table %q", q.Table)
	}

	var entries []store.Entry
	if q.Where != "" {
		path, value, err := parseWhere(q.Where)
		if err != nil {
			return err
		}
		entries, err = t.Where(ctx, path, value)
		if err != nil {
			return err
		}
		entries = filterEntries(entries, opts)
	} else {
		entries, err = t.List(ctx, opts)
		if err != nil {
			return err
		}
	}

	if q.JSON {
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(migrate.Line{Key: e.Key, Record: e.Record}); err != nil {
				return err
			}
		}
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		key, _ := schema.EncodeKey(e.Key)
		rec, _ := json.Marshal(e.Record)
		rows = append(rows, []string{key, humanize.Time(e.UpdatedAt), truncate(string(rec), ui.Width()/2)})
	}
	fmt.Fprint(w, ui.Table([]string{"KEY", "UPDATED", "RECORD"}, rows))
	fmt.Fprintf(w, "%s\n", ui.RenderMuted(fmt.Sprintf("%d records", len(entries))))
	return nil
}

// parseSince reads an absolute timestamp or a natural language phrase
// relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: not a time", s)
	}
	return r.Time, nil
}

// parseWhere splits path=value. The value is decoded as JSON and falls back
// to a plain string.
func parseWhere(s string) (string, any, error) {
	path, raw, ok := strings.Cut(s, "=")
	if !ok || path == "" {
		return "", nil, fmt.Errorf("invalid --where %q (want path=value)", s)
	}
	if value, err := schema.DecodeKey(raw); err == nil {
		return path, value, nil
	}
	return path, raw, nil
}

func filterEntries(entries []store.Entry, opts store.ListOptions) []store.Entry {
	out := entries[:0]
	for _, e := range entries {
		if !opts.Since.IsZero() && e.UpdatedAt.Before(opts.Since) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out
}

func truncate(s string, n int) string {
	if n < 8 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	dumpCmd.Flags().String("since", "", "Only records written since this time")
	dumpCmd.Flags().String("where", "", "Filter as path=value on the primary key or an index")
	dumpCmd.Flags().Int("limit", 0, "Maximum number of records (0 = all)")
	dumpCmd.Flags().Bool("json", false, "Print JSON lines instead of a table")

	rootCmd.AddCommand(dumpCmd)
}
