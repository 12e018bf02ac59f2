// Command tsync manages a local tablesync store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tsync",
	Short: "Replay server mutation directives into a local table store",
	Long: `tsync keeps a local SQLite-backed table store in step with a server.

Responses carry a "sync" directive listing the writes the server made; tsync
replays each directive atomically, so the local tables mirror the server
without refetching.

Configuration is read from flags, TSYNC_* environment variables and an
optional config file (--config).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "store", Title: "Store commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
	)
	registerFlags(rootCmd)
}

// signalContext returns a context cancelled on interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// exitOnError prints err and exits non-zero.
func exitOnError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
