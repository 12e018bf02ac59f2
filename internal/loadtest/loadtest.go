// Package loadtest drives concurrent directive traffic against a store.
//
// Writers apply multi-table directives through one applier while readers
// query an index, mirroring many request handlers replaying responses into a
// shared local store. The run reports apply and read latency and verifies
// that every committed write is visible afterwards.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/tablesync/internal/applier"
	"github.com/steveyegge/tablesync/internal/protocol"
	"github.com/steveyegge/tablesync/internal/schema"
	"github.com/steveyegge/tablesync/internal/store"
)

// Tables used by the load test.
const (
	ItemTable  = "item"
	EventTable = "event"
)

// groups is the number of distinct values of the indexed item.group field.
const groups = 16

// Registry returns the registry the load test runs against.
func Registry() (*schema.Registry, error) {
	return schema.Register(schema.Config{
		Name: "loadtest",
		Schema: map[string]schema.FieldSet{
			ItemTable: schema.Fields{
				"id":    {Type: schema.TypeString},
				"group": {Type: schema.TypeInteger},
				"value": {Type: schema.TypeNumber},
			},
			EventTable: schema.Fields{
				"id":     {Type: schema.TypeInteger},
				"writer": {Type: schema.TypeInteger},
			},
		},
		Keys: schema.KeyDefinition{
			ItemTable:  {"id", "group"},
			EventTable: {"++id", "writer"},
		},
		Version: 1,
	})
}

// Options controls the shape of a run.
type Options struct {
	Writers             int
	DirectivesPerWriter int
	// BatchSize is the number of items put by each directive.
	BatchSize int
	Readers   int
	// Seed makes generated values reproducible.
	Seed int64
}

// DefaultOptions returns a small run suitable for a laptop.
func DefaultOptions() Options {
	return Options{
		Writers:             8,
		DirectivesPerWriter: 50,
		BatchSize:           20,
		Readers:             4,
		Seed:                42,
	}
}

// LatencyStats captures latency percentiles of one kind of operation.
type LatencyStats struct {
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	P50    time.Duration // Median
	P95    time.Duration
	P99    time.Duration
	Count  int
	Errors int
}

// Result summarizes a run.
type Result struct {
	Apply   *LatencyStats
	Read    *LatencyStats
	Items   int
	Events  int
	Elapsed time.Duration
}

// Run applies Writers*DirectivesPerWriter directives through a while Readers
// goroutines query s until the writers finish. Each directive puts BatchSize
// items with unique keys and adds one event, so the final counts are known
// in advance; a mismatch is returned as an error.
func Run(ctx context.Context, a *applier.Applier, opts Options) (*Result, error) {
	s := a.Store()
	if s.Table(ItemTable) == nil || s.Table(EventTable) == nil {
		return nil, fmt.Errorf("store lacks the %s and %s tables", ItemTable, EventTable)
	}
	if opts.Writers <= 0 || opts.DirectivesPerWriter <= 0 || opts.BatchSize <= 0 {
		return nil, fmt.Errorf("writers, directives and batch size must be positive")
	}

	start := time.Now()
	applyTimes := make([][]time.Duration, opts.Writers)
	readTimes := make([][]time.Duration, opts.Readers)
	var readErrors atomic.Int64

	writersDone := make(chan struct{})
	readers, readCtx := errgroup.WithContext(ctx)
	for r := 0; r < opts.Readers; r++ {
		r := r
		readers.Go(func() error {
			rng := rand.New(rand.NewSource(opts.Seed + int64(1000+r)))
			for {
				select {
				case <-writersDone:
					return nil
				case <-readCtx.Done():
					return readCtx.Err()
				default:
				}
				began := time.Now()
				entries, err := s.Table(ItemTable).Where(readCtx, "group", int64(rng.Intn(groups)))
				readTimes[r] = append(readTimes[r], time.Since(began))
				if err != nil {
					if readCtx.Err() != nil {
						return readCtx.Err()
					}
					readErrors.Add(1)
					continue
				}
				for _, e := range entries {
					if _, ok := e.Record["id"]; !ok {
						return fmt.Errorf("reader %d saw a record without id: %v", r, e.Key)
					}
				}
				time.Sleep(time.Millisecond)
			}
		})
	}

	writers, writeCtx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Writers; w++ {
		w := w
		writers.Go(func() error {
			rng := rand.New(rand.NewSource(opts.Seed + int64(w)))
			for i := 0; i < opts.DirectivesPerWriter; i++ {
				d := generateDirective(rng, w, i, opts.BatchSize)
				began := time.Now()
				if err := a.Apply(writeCtx, d); err != nil {
					return fmt.Errorf("writer %d directive %d: %w", w, i, err)
				}
				applyTimes[w] = append(applyTimes[w], time.Since(began))
			}
			return nil
		})
	}

	writeErr := writers.Wait()
	close(writersDone)
	readErr := readers.Wait()
	if writeErr != nil {
		return nil, writeErr
	}
	if readErr != nil {
		return nil, readErr
	}
	elapsed := time.Since(start)

	items, err := s.Table(ItemTable).Count(ctx)
	if err != nil {
		return nil, err
	}
	events, err := s.Table(EventTable).Count(ctx)
	if err != nil {
		return nil, err
	}
	wantItems := opts.Writers * opts.DirectivesPerWriter * opts.BatchSize
	wantEvents := opts.Writers * opts.DirectivesPerWriter
	if items != wantItems || events != wantEvents {
		return nil, fmt.Errorf("lost writes: %d items (want %d), %d events (want %d)",
			items, wantItems, events, wantEvents)
	}

	readStats := computeLatencyStats(flatten(readTimes))
	readStats.Errors = int(readErrors.Load())
	return &Result{
		Apply:   computeLatencyStats(flatten(applyTimes)),
		Read:    readStats,
		Items:   items,
		Events:  events,
		Elapsed: elapsed,
	}, nil
}

// generateDirective builds directive i of writer w.
func generateDirective(rng *rand.Rand, w, i, batch int) *protocol.Directive {
	items := make([]schema.Record, batch)
	for j := range items {
		items[j] = schema.Record{
			"id":    fmt.Sprintf("w%d-%d-%d", w, i, j),
			"group": int64(rng.Intn(groups)),
			"value": rng.Float64(),
		}
	}
	return protocol.NewDirective().
		Set(ItemTable, protocol.BulkPut{Items: items}).
		Set(EventTable, protocol.Add{Item: schema.Record{"writer": int64(w)}})
}

func flatten(parts [][]time.Duration) []time.Duration {
	var out []time.Duration
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	pct := func(p int) time.Duration {
		return sorted[len(sorted)*p/100]
	}
	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   pct(50),
		P95:   pct(95),
		P99:   pct(99),
		Count: len(sorted),
	}
}

// Print formats latency statistics under a title.
func (s *LatencyStats) Print(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Count:         %d\n", s.Count)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// OpenStore opens a fresh load test store in dir.
func OpenStore(ctx context.Context, dir string, opts store.Options) (*store.Manager, *store.Store, error) {
	reg, err := Registry()
	if err != nil {
		return nil, nil, err
	}
	opts.Dir = dir
	m := store.NewManager(reg, opts)
	s, err := m.Open(ctx)
	if err != nil {
		return nil, nil, err
	}
	return m, s, nil
}
