package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tablesync/internal/applier"
	"github.com/steveyegge/tablesync/internal/fetch"
	"github.com/steveyegge/tablesync/internal/logging"
	"github.com/steveyegge/tablesync/internal/protocol"
	"github.com/steveyegge/tablesync/internal/ui"
)

var applyCmd = &cobra.Command{
	Use:     "apply [file]",
	GroupID: "sync",
	Short:   "Apply a sync directive from a file or stdin",
	Long: `Apply one sync directive atomically. The input is either a bare
directive or an envelope carrying one under "sync":

  {"todo": {"put": [{"id": "1", "title": "Buy milk"}]}}
  {"response": {...}, "sync": {"todo": {"delete": ["1"]}}}

Reads stdin when no file is given or the file is "-".`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		in := io.Reader(os.Stdin)
		if len(args) == 1 && args[0] != "-" {
			// #nosec G304 - path comes from the command line
			f, err := os.Open(args[0])
			exitOnError(err)
			defer f.Close()
			in = f
		}
		exitOnError(runApply(cmd.Context(), loadSettings(), in, os.Stdout))
	},
}

func runApply(ctx context.Context, cfg settings, in io.Reader, w io.Writer) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read directive: %w", err)
	}
	d, err := readDirective(data)
	if err != nil {
		return err
	}

	var events []applier.Event
	a, err := openApp(ctx, cfg, applier.WithListener(func(ev applier.Event) {
		events = append(events, ev)
	}))
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	if err := a.applier.Apply(ctx, d); err != nil {
		return err
	}

	fmt.Fprintf(w, "%s Applied %d operations to %d tables in %v\n",
		ui.RenderPass("✓"), d.Len(), len(d.Tables()), time.Since(start).Round(time.Millisecond))
	for _, ev := range events {
		fmt.Fprintf(w, "   %s.%s %s\n", ev.Table, ev.Op, ui.RenderMuted(fmt.Sprint(ev.Keys)))
	}
	return nil
}

// readDirective accepts a bare directive or an envelope.
func readDirective(data []byte) (*protocol.Directive, error) {
	env, err := protocol.DecodeEnvelope(data)
	if err == nil && (env.Sync != nil || env.Response != nil) {
		if env.Sync == nil {
			return protocol.NewDirective(), nil
		}
		return env.Sync, nil
	}
	return protocol.DecodeDirective(data)
}

var fetchCmd = &cobra.Command{
	Use:     "fetch <url|file>",
	GroupID: "sync",
	Short:   "Call an endpoint and apply the directive in its response",
	Long: `Send a request and apply the "sync" directive of the response envelope
before printing its "response" payload to stdout.

A plain path instead of an http(s) URL reads the envelope from that file.

Examples:
  tsync fetch https://api.example.com/todos
  tsync fetch -X POST -d '{"title":"x"}' -H 'Content-Type: application/json' https://api.example.com/todos
  tsync fetch ./envelope.json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		method, _ := cmd.Flags().GetString("method")
		data, _ := cmd.Flags().GetString("data")
		headers, _ := cmd.Flags().GetStringArray("header")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		req := fetchRequest{Target: args[0], Method: method, Data: data, Headers: headers, Timeout: timeout}
		exitOnError(runFetch(cmd.Context(), loadSettings(), req, os.Stdout, os.Stderr))
	},
}

type fetchRequest struct {
	Target  string
	Method  string
	Data    string
	Headers []string
	Timeout time.Duration
}

func (r fetchRequest) call() (fetch.Call, error) {
	if !strings.HasPrefix(r.Target, "http://") && !strings.HasPrefix(r.Target, "https://") {
		return fetch.FileCall(r.Target), nil
	}

	body := []byte(r.Data)
	if strings.HasPrefix(r.Data, "@") {
		// #nosec G304 - path comes from the command line
		b, err := os.ReadFile(r.Data[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		body = b
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
		if len(body) > 0 {
			method = http.MethodPost
		}
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, r.Target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	for _, h := range r.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q (want Name: value)", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return fetch.HTTP(&http.Client{Timeout: r.Timeout}, req), nil
}

func runFetch(ctx context.Context, cfg settings, r fetchRequest, stdout, stderr io.Writer) error {
	call, err := r.call()
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	client := fetch.New(a.applier, fetch.WithLogger(logging.Component(a.logger, "fetch")))
	env, err := client.Fetch(ctx, call)

	var syncErr *fetch.SyncError
	switch {
	case errors.As(err, &syncErr):
		// the response is still valid; only the local replay failed
		fmt.Fprintf(stderr, "%s sync failed: %v\n", ui.RenderFail("✗"), syncErr.Err)
	case err != nil:
		return err
	case env.HasSync():
		fmt.Fprintf(stderr, "%s applied %d operations\n", ui.RenderPass("✓"), env.Sync.Len())
	}

	if len(env.Response) > 0 {
		fmt.Fprintln(stdout, string(env.Response))
	}
	return err
}

func init() {
	fetchCmd.Flags().StringP("method", "X", "", "HTTP method (default GET, or POST with --data)")
	fetchCmd.Flags().StringP("data", "d", "", "Request body, or @file to read it from a file")
	fetchCmd.Flags().StringArrayP("header", "H", nil, "Request header as 'Name: value' (repeatable)")
	fetchCmd.Flags().Duration("timeout", 30*time.Second, "HTTP timeout")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(fetchCmd)
}
