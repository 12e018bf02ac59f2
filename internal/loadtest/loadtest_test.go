package loadtest

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/tablesync/internal/applier"
	"github.com/steveyegge/tablesync/internal/store"
)

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	ctx := context.Background()
	m, s, err := OpenStore(ctx, t.TempDir(), store.DefaultOptions(""))
	if err != nil {
		t.Fatalf("OpenStore() failed: %v", err)
	}
	defer m.Close()

	opts := Options{Writers: 4, DirectivesPerWriter: 10, BatchSize: 5, Readers: 2, Seed: 1}
	res, err := Run(ctx, applier.New(s, applier.WithValidation(true)), opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Items != 200 || res.Events != 40 {
		t.Errorf("Items = %d, Events = %d, want 200 and 40", res.Items, res.Events)
	}
	if res.Apply.Count != 40 {
		t.Errorf("Apply.Count = %d, want 40", res.Apply.Count)
	}
	if res.Apply.Min > res.Apply.P50 || res.Apply.P50 > res.Apply.Max {
		t.Errorf("apply percentiles out of order: %+v", res.Apply)
	}
}

func TestRun_InvalidOptions(t *testing.T) {
	ctx := context.Background()
	m, s, err := OpenStore(ctx, t.TempDir(), store.DefaultOptions(""))
	if err != nil {
		t.Fatalf("OpenStore() failed: %v", err)
	}
	defer m.Close()

	if _, err := Run(ctx, applier.New(s), Options{Writers: 0, DirectivesPerWriter: 1, BatchSize: 1}); err == nil {
		t.Error("Run() with no writers succeeded")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", stats.P99)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", stats.Mean)
	}
	if durations[0] != 100*time.Millisecond {
		t.Error("input slice was reordered")
	}

	if empty := computeLatencyStats(nil); empty.Count != 0 {
		t.Errorf("empty stats = %+v", empty)
	}

	var buf bytes.Buffer
	stats.Print(&buf, "Apply")
	if !strings.HasPrefix(buf.String(), "Apply:\n") || !strings.Contains(buf.String(), "P95") {
		t.Errorf("Print() = %q", buf.String())
	}
}
