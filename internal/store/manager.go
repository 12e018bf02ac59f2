package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/tablesync/internal/schema"
)

// Options configures where and how a Manager opens its store.
type Options struct {
	// Dir holds the database file, named after the registry. Ignored when
	// Path is set.
	Dir string
	// Path is an explicit database file path.
	Path string
	// BusyTimeout bounds how long a writer waits for the engine lock.
	BusyTimeout time.Duration
	// Logger receives migration and lifecycle logs.
	Logger *logrus.Entry
}

// DefaultOptions returns options that keep the store under dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:         dir,
		BusyTimeout: 30 * time.Second,
	}
}

func (o Options) path(reg *schema.Registry) string {
	if o.Path != "" {
		return o.Path
	}
	return filepath.Join(o.Dir, reg.Name()+".db")
}

// Manager owns the single opened Store of one registry.
type Manager struct {
	reg  *schema.Registry
	opts Options
	log  *logrus.Entry

	group singleflight.Group

	mu    sync.Mutex
	store *Store
}

// NewManager creates a manager for reg. No I/O happens until Open.
func NewManager(reg *schema.Registry, opts Options) *Manager {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		reg:  reg,
		opts: opts,
		log:  log.WithField("component", "store"),
	}
}

var (
	sharedMu sync.Mutex
	shared   = map[string]*Manager{}
)

// Shared returns the process-wide manager for the physical store reg maps
// to, creating it on first use. Every caller asking for the same file gets
// the same manager and therefore the same Store.
func Shared(reg *schema.Registry, opts Options) (*Manager, error) {
	path, err := filepath.Abs(opts.path(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store path: %w", err)
	}

	sharedMu.Lock()
	defer sharedMu.Unlock()

	if m, ok := shared[path]; ok {
		if m.reg.Name() != reg.Name() || m.reg.Version() != reg.Version() {
			return nil, fmt.Errorf("store %s is already managed by registry %s at version %d",
				path, m.reg.Name(), m.reg.Version())
		}
		return m, nil
	}

	opts.Path = path
	m := NewManager(reg, opts)
	shared[path] = m
	return m, nil
}

// Path returns the database file path.
func (m *Manager) Path() string {
	return m.opts.path(m.reg)
}

// Registry returns the manager's registry.
func (m *Manager) Registry() *schema.Registry {
	return m.reg
}

// Open returns the opened Store, opening and migrating it on first call.
// Concurrent first calls share one open; later calls return the same Store.
// The shared open is not tied to any caller's context: a caller whose ctx
// ends stops waiting with ctx.Err() while the others still get the Store.
func (m *Manager) Open(ctx context.Context) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.store != nil {
		s := m.store
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("open", func() (interface{}, error) {
		m.mu.Lock()
		if m.store != nil {
			s := m.store
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		s, err := m.open(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.store = s
		m.mu.Unlock()
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Store), nil
	}
}

func (m *Manager) open(ctx context.Context) (*Store, error) {
	path := m.Path()
	openErr := func(err error) error {
		return &StoreOpenError{Path: path, Version: m.reg.Version(), Err: err}
	}

	db, err := openDB(path, m.opts.BusyTimeout)
	if err != nil {
		return nil, openErr(err)
	}
	if err := migrate(ctx, db, m.reg, m.log.WithField("path", path)); err != nil {
		_ = db.Close()
		return nil, openErr(err)
	}

	m.log.WithFields(logrus.Fields{
		"path":    path,
		"version": m.reg.Version(),
		"tables":  len(m.reg.Tables()),
	}).Debug("store opened")
	return newStore(db, path, m.reg, m.log), nil
}

// Close closes the opened store, if any. A later Open reopens it.
func (m *Manager) Close() error {
	m.mu.Lock()
	s := m.store
	m.store = nil
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Close()
}
