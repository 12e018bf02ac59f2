// Package metrics declares the prometheus collectors of tablesync.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Key constants are exported primarily for documentation reasons. Typically,
// they will not be used programmatically outside of defining the collectors.

// Keys for applier metrics.
const (
	ApplyTotalKey           = "tablesync_apply_total"
	ApplyDurationSecondsKey = "tablesync_apply_duration_seconds"
	OpsAppliedTotalKey      = "tablesync_ops_applied_total"
	RecordsAffectedTotalKey = "tablesync_records_affected_total"
)

// Outcome label values.
const (
	Ok           = "ok"
	Fail         = "fail"
	UnknownTable = "unknown_table"
	Invalid      = "invalid"
)

// Collectors for applier metrics.
var (
	ApplyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ApplyTotalKey,
		Help: "Cumulative number of directive applications, by outcome.",
	}, []string{"outcome"})
	ApplyDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: ApplyDurationSecondsKey,
		Help: "Duration of directive applications, including transaction commit.",
	})
	OpsAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: OpsAppliedTotalKey,
		Help: "Cumulative number of committed operations, by table and operation.",
	}, []string{"table", "op"})
	RecordsAffectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: RecordsAffectedTotalKey,
		Help: "Cumulative number of record keys touched by committed operations.",
	}, []string{"table"})
)

// ApplierCollectors returns the applier collectors.
func ApplierCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		ApplyTotal,
		ApplyDurationSeconds,
		OpsAppliedTotal,
		RecordsAffectedTotal,
	}
}

// Keys for fetch metrics.
const (
	FetchTotalKey = "tablesync_fetch_total"
)

// Collectors for fetch metrics.
var (
	FetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FetchTotalKey,
		Help: "Cumulative number of wrapped calls, by terminal state.",
	}, []string{"state"})
)

// FetchCollectors returns the fetch collectors.
func FetchCollectors() []prometheus.Collector {
	return []prometheus.Collector{FetchTotal}
}

// Keys for inbox daemon metrics.
const (
	InboxFilesTotalKey = "tablesync_inbox_files_total"
	InboxPendingKey    = "tablesync_inbox_pending"
)

// Collectors for inbox daemon metrics.
var (
	InboxFilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: InboxFilesTotalKey,
		Help: "Cumulative number of inbox files processed, by outcome.",
	}, []string{"outcome"})
	InboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: InboxPendingKey,
		Help: "Number of inbox files waiting for the debounce window to close.",
	})
)

// InboxCollectors returns the inbox daemon collectors.
func InboxCollectors() []prometheus.Collector {
	return []prometheus.Collector{InboxFilesTotal, InboxPending}
}

// Collectors returns every tablesync collector.
func Collectors() []prometheus.Collector {
	var out []prometheus.Collector
	out = append(out, ApplierCollectors()...)
	out = append(out, FetchCollectors()...)
	out = append(out, InboxCollectors()...)
	return out
}

// Register registers every collector with reg, ignoring collectors that are
// already registered.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
