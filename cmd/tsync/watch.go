package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/steveyegge/tablesync/internal/applier"
	"github.com/steveyegge/tablesync/internal/daemon"
	"github.com/steveyegge/tablesync/internal/dashboard"
	"github.com/steveyegge/tablesync/internal/fetch"
	"github.com/steveyegge/tablesync/internal/logging"
	"github.com/steveyegge/tablesync/internal/metrics"
	"github.com/steveyegge/tablesync/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Apply envelope files dropped into an inbox directory (foreground)",
	Long: `Run the inbox daemon in the foreground.

The daemon will:
  1. Apply every *.json envelope already in the inbox, in name order
  2. Watch the inbox for new envelope files
  3. Apply each file once, after it has been quiet for inbox.debounce
  4. Move it to inbox/applied, or to inbox/failed with a .err note

With --dashboard, a WebSocket dashboard also streams every committed
operation and serves /metrics, /health and /tables.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")

		ctx, cancel := signalContext()
		defer cancel()
		exitOnError(runWatch(ctx, loadSettings(), withDashboard))
	},
}

func runWatch(ctx context.Context, cfg settings, withDashboard bool) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// handler is set before the daemon starts, so no apply can miss it
	var handler *dashboard.Handler
	onApply := func(ev applier.Event) {
		if handler != nil {
			handler.OnApply(ev)
		}
	}

	a, err := openApp(ctx, cfg, applier.WithListener(onApply))
	if err != nil {
		return err
	}
	defer a.Close()

	inbox := cfg.InboxDir
	if !filepath.IsAbs(inbox) {
		inbox = filepath.Join(cfg.DBDir, inbox)
	}

	dcfg := daemon.DefaultConfig()
	dcfg.DebounceInterval = cfg.InboxDebounce
	dcfg.Logger = logging.Component(a.logger, "inbox")

	if withDashboard {
		server := dashboard.NewServer(&dashboard.Config{
			Addr:   cfg.DashboardAddr,
			Store:  a.store,
			Logger: logging.Component(a.logger, "dashboard"),
		})
		handler = dashboard.NewHandler(server, logging.Component(a.logger, "dashboard"))
		dcfg.OnResult = handler.OnInbox

		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
		fmt.Printf("Dashboard: http://%s (WebSocket ws://%s/ws)\n", server.Addr(), server.Addr())
	}

	client := fetch.New(a.applier, fetch.WithLogger(logging.Component(a.logger, "fetch")))
	d, err := daemon.NewWithConfig(client, inbox, dcfg)
	if err != nil {
		return err
	}

	fmt.Printf("%s Watching %s\n", ui.RenderAccent("●"), d.Dir())
	fmt.Printf("   Store: %s\n", a.store.Path())
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	return d.Start(ctx)
}

func init() {
	watchCmd.Flags().Bool("dashboard", false, "Also serve the WebSocket dashboard on dashboard.addr")
	rootCmd.AddCommand(watchCmd)
}
