// Package applier replays sync directives against a store, all or nothing.
package applier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/tablesync/internal/metrics"
	"github.com/steveyegge/tablesync/internal/protocol"
	"github.com/steveyegge/tablesync/internal/schema"
	"github.com/steveyegge/tablesync/internal/store"
)

// Event describes one committed operation.
type Event struct {
	Table string
	Op    protocol.OpKind
	// Keys lists the record keys the operation wrote or targeted. Bulk adds
	// and puts report only the last key unless the directive asked for all.
	Keys []any
	Time time.Time
}

// Option configures an Applier.
type Option func(*Applier)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(a *Applier) {
		a.log = log
	}
}

// WithValidation checks items and changes against the table's field set
// before the transaction opens.
func WithValidation(enabled bool) Option {
	return func(a *Applier) {
		a.validate = enabled
	}
}

// WithListener registers fn to receive the events of every committed apply.
// Listeners run synchronously after the commit, in registration order.
func WithListener(fn func(Event)) Option {
	return func(a *Applier) {
		a.listeners = append(a.listeners, fn)
	}
}

type handler func(ctx context.Context, t *store.TableTx, op protocol.Op) ([]any, error)

// Applier applies directives to one store. It is safe for concurrent use;
// applies touching the same tables are serialized by the store.
type Applier struct {
	store     *store.Store
	log       *logrus.Entry
	validate  bool
	listeners []func(Event)
	handlers  map[protocol.OpKind]handler
}

// New creates an applier writing through s.
func New(s *store.Store, opts ...Option) *Applier {
	a := &Applier{
		store: s,
		log:   logrus.NewEntry(logrus.StandardLogger()),
		handlers: map[protocol.OpKind]handler{
			protocol.OpAdd:        applyAdd,
			protocol.OpBulkAdd:    applyBulkAdd,
			protocol.OpPut:        applyPut,
			protocol.OpBulkPut:    applyBulkPut,
			protocol.OpUpdate:     applyUpdate,
			protocol.OpBulkUpdate: applyBulkUpdate,
			protocol.OpDelete:     applyDelete,
			protocol.OpBulkDelete: applyBulkDelete,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithField("component", "applier")
	return a
}

// Store returns the store the applier writes through.
func (a *Applier) Store() *store.Store {
	return a.store
}

// Apply runs every operation of d inside one transaction scoped to exactly
// the tables d names. Tables run in directive order and operations in
// canonical order. On the first failure the transaction rolls back and a
// *SyncTransactionError is returned. A table the store does not know fails
// the call with *UnknownTableError before anything is written.
func (a *Applier) Apply(ctx context.Context, d *protocol.Directive) error {
	tables := d.Tables()
	if len(tables) == 0 {
		return nil
	}
	start := time.Now()

	for _, name := range tables {
		if a.store.Table(name) == nil {
			metrics.ApplyTotal.WithLabelValues(metrics.UnknownTable).Inc()
			return &UnknownTableError{Table: name}
		}
	}

	if a.validate {
		if err := a.check(d); err != nil {
			metrics.ApplyTotal.WithLabelValues(metrics.Invalid).Inc()
			return err
		}
	}

	var events []Event
	err := a.store.Update(ctx, tables, func(tx *store.Tx) error {
		events = events[:0]
		for _, name := range tables {
			t, err := tx.Table(name)
			if err != nil {
				return err
			}
			for _, op := range d.Ops(name) {
				h, ok := a.handlers[op.Kind()]
				if !ok {
					return &SyncTransactionError{Table: name, Op: op.Kind(), Err: fmt.Errorf("no handler for %s", op.Kind())}
				}
				keys, err := h(ctx, t, op)
				if err != nil {
					return &SyncTransactionError{Table: name, Op: op.Kind(), Err: err}
				}
				events = append(events, Event{Table: name, Op: op.Kind(), Keys: keys})
			}
		}
		return nil
	})
	metrics.ApplyDurationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		var ste *SyncTransactionError
		if !errors.As(err, &ste) {
			err = &SyncTransactionError{Err: err}
		}
		metrics.ApplyTotal.WithLabelValues(metrics.Fail).Inc()
		a.log.WithFields(logrus.Fields{
			"tables": tables,
			"err":    err,
		}).Warn("directive rolled back")
		return err
	}

	metrics.ApplyTotal.WithLabelValues(metrics.Ok).Inc()
	now := time.Now()
	for i := range events {
		events[i].Time = now
		metrics.OpsAppliedTotal.WithLabelValues(events[i].Table, events[i].Op.String()).Inc()
		metrics.RecordsAffectedTotal.WithLabelValues(events[i].Table).Add(float64(len(events[i].Keys)))
	}
	a.log.WithFields(logrus.Fields{
		"tables": tables,
		"ops":    len(events),
		"took":   time.Since(start),
	}).Debug("directive applied")

	for _, ev := range events {
		for _, fn := range a.listeners {
			fn(ev)
		}
	}
	return nil
}

// check validates item and change payloads against the tables' field sets.
func (a *Applier) check(d *protocol.Directive) error {
	for _, name := range d.Tables() {
		t := a.store.Table(name)
		fields := t.Fields()
		primary := t.Keys().Primary
		for _, op := range d.Ops(name) {
			if err := checkOp(fields, primary, op); err != nil {
				return &SyncTransactionError{Table: name, Op: op.Kind(), Err: err}
			}
		}
	}
	return nil
}

func checkOp(fields schema.FieldSet, primary schema.IndexSpec, op protocol.Op) error {
	switch o := op.(type) {
	case protocol.Add:
		return checkItem(fields, primary, o.Item, o.Key)
	case protocol.Put:
		return checkItem(fields, primary, o.Item, o.Key)
	case protocol.BulkAdd:
		return checkItems(fields, primary, o.Items, o.Keys)
	case protocol.BulkPut:
		return checkItems(fields, primary, o.Items, o.Keys)
	case protocol.Update:
		return fields.ValidatePartial(o.Changes)
	case protocol.BulkUpdate:
		for i, entry := range o.Entries {
			if err := fields.ValidatePartial(entry.Changes); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}
	}
	return nil
}

func checkItems(fields schema.FieldSet, primary schema.IndexSpec, items []schema.Record, keys []any) error {
	for i, item := range items {
		var key any
		if keys != nil && i < len(keys) {
			key = keys[i]
		}
		if err := checkItem(fields, primary, item, key); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

// checkItem validates item as it will be stored: an explicit key or an
// autoincrement counter fills an absent inbound primary key first.
func checkItem(fields schema.FieldSet, primary schema.IndexSpec, item schema.Record, key any) error {
	candidate := item
	if !primary.Outbound() {
		if v, ok := item.Lookup(primary.Path); !ok || v == nil {
			switch {
			case key != nil:
				candidate = item.Clone()
				candidate.Set(primary.Path, key)
			case primary.AutoIncrement:
				candidate = item.Clone()
				candidate.Set(primary.Path, int64(1))
			}
		}
	}
	return fields.Validate(candidate)
}

func lastKey(keys []any, all bool) []any {
	if all || len(keys) == 0 {
		return keys
	}
	return keys[len(keys)-1:]
}

func applyAdd(ctx context.Context, t *store.TableTx, op protocol.Op) ([]any, error) {
	o := op.(protocol.Add)
	key, err := t.Add(ctx, o.Item, o.Key)
	if err != nil {
		return nil, err
	}
	return []any{key}, nil
}

func applyBulkAdd(ctx context.Context, t *store.TableTx, op protocol.Op) ([]any, error) {
	o := op.(protocol.BulkAdd)
	keys, err := t.BulkAdd(ctx, o.Items, o.Keys)
	if err != nil {
		return nil, err
	}
	return lastKey(keys, o.AllKeys), nil
}

func applyPut(ctx context.Context, t *store.TableTx, op protocol.Op) ([]any, error) {
	o := op.(protocol.Put)
	key, err := t.Put(ctx, o.Item, o.Key)
	if err != nil {
		return nil, err
	}
	return []any{key}, nil
}

func applyBulkPut(ctx context.Context, t *store.TableTx, op protocol.Op) ([]any, error) {
	o := op.(protocol.BulkPut)
	keys, err := t.BulkPut(ctx, o.Items, o.Keys)
	if err != nil {
		return nil, err
	}
	return lastKey(keys, o.AllKeys), nil
}

func applyUpdate(ctx context.Context, t *store.TableTx, op protocol.Op) ([]any, error) {
	o := op.(protocol.Update)
	ok, err := t.Update(ctx, o.Key, o.Changes)
	if err != nil || !ok {
		return nil, err
	}
	return []any{o.Key}, nil
}

func applyBulkUpdate(ctx context.Context, t *store.TableTx, op protocol.Op) ([]any, error) {
	o := op.(protocol.BulkUpdate)
	var keys []any
	for i, entry := range o.Entries {
		ok, err := t.Update(ctx, entry.Key, entry.Changes)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if ok {
			keys = append(keys, entry.Key)
		}
	}
	return keys, nil
}

func applyDelete(ctx context.Context, t *store.TableTx, op protocol.Op) ([]any, error) {
	o := op.(protocol.Delete)
	if err := t.Delete(ctx, o.Key); err != nil {
		return nil, err
	}
	return []any{o.Key}, nil
}

func applyBulkDelete(ctx context.Context, t *store.TableTx, op protocol.Op) ([]any, error) {
	o := op.(protocol.BulkDelete)
	if err := t.BulkDelete(ctx, o.Keys); err != nil {
		return nil, err
	}
	return o.Keys, nil
}
