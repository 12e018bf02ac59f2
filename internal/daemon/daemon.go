package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/tablesync/internal/fetch"
	"github.com/steveyegge/tablesync/internal/metrics"
)

// Outcome of processing one inbox file.
type Outcome string

const (
	// Applied means the envelope was read and its directive committed, or
	// it carried none.
	Applied Outcome = "applied"
	// Failed means the envelope could not be read or its directive was
	// rolled back. The file is parked for an operator; it is never retried.
	Failed Outcome = "failed"
)

// Sub-directories of the inbox that processed files are moved to.
const (
	AppliedDir = "applied"
	FailedDir  = "failed"
)

// Result reports what happened to one inbox file.
type Result struct {
	// Path is where the file ended up.
	Path    string
	Outcome Outcome
	Err     error
	Time    time.Time
}

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long a file must stay unchanged before it is
	// processed. This lets writers finish before the envelope is read.
	DebounceInterval time.Duration

	// OnResult, when set, is called after each file is processed.
	OnResult func(Result)

	// Logger for daemon activity
	Logger *logrus.Entry
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           logrus.NewEntry(logrus.StandardLogger()),
	}
}

// Daemon applies envelope files dropped into an inbox directory.
//
// Each *.json file is read as an envelope and passed through a fetch
// client, so its directive is applied exactly like one carried by a live
// response. Processed files move to applied/ or failed/; a failed file
// gets a sibling .err file with the reason.
type Daemon struct {
	client *fetch.Client
	dir    string
	config *Config
	log    *logrus.Entry

	watcher       *FileWatcher
	changeQueue   map[string]time.Time // filepath -> last event
	changeQueueMu sync.Mutex

	// serializes processing between the queue loop and ProcessExisting
	processMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon watching dir.
func New(client *fetch.Client, dir string) (*Daemon, error) {
	return NewWithConfig(client, dir, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(client *fetch.Client, dir string, config *Config) (*Daemon, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("inbox dir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	log := config.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inbox dir: %w", err)
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		client:      client,
		dir:         abs,
		config:      config,
		log:         log.WithFields(logrus.Fields{"component": "inbox", "dir": abs}),
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Dir returns the inbox directory.
func (d *Daemon) Dir() string {
	return d.dir
}

// Start processes files already in the inbox, then watches for new ones.
// It blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	for _, sub := range []string{"", AppliedDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(d.dir, sub), 0755); err != nil {
			return fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}

	// Watch before the initial scan so nothing dropped in between is missed;
	// a file seen by both is processed once since the scan moves it away.
	if err := d.watcher.Start(d.dir); err != nil {
		return err
	}
	d.log.Info("watching inbox")

	if _, err := d.ProcessExisting(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("initial scan failed: %w", err)
	}

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()

	select {
	case <-ctx.Done():
		d.log.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.cancel()

	if err := d.watcher.Stop(); err != nil {
		d.log.WithField("err", err).Warn("error closing watcher")
	}
	d.wg.Wait()

	d.log.Info("inbox daemon stopped")
	return nil
}

// ProcessExisting processes every envelope file currently in the inbox, in
// file name order.
func (d *Daemon) ProcessExisting(ctx context.Context) ([]Result, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}

	var results []Result
	for _, entry := range entries {
		if entry.IsDir() || !isEnvelopeFile(entry.Name()) {
			continue
		}
		if res, ok := d.processFile(ctx, filepath.Join(d.dir, entry.Name())); ok {
			results = append(results, res)
		}
	}
	return results, nil
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if event.Op == OpDelete {
				d.dequeue(event.Path)
				continue
			}
			d.log.WithFields(logrus.Fields{"op": event.Op, "path": event.Path}).Debug("file event")
			d.queueChange(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.log.WithField("err", err).Warn("watcher error")
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
	metrics.InboxPending.Set(float64(len(d.changeQueue)))
}

func (d *Daemon) dequeue(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	delete(d.changeQueue, path)
	metrics.InboxPending.Set(float64(len(d.changeQueue)))
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges processes files that have been quiet for long enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	metrics.InboxPending.Set(float64(len(d.changeQueue)))
	d.changeQueueMu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		d.processFile(d.ctx, path)
	}
}

// processFile applies one envelope file and moves it out of the inbox. It
// reports false when the file was already gone.
func (d *Daemon) processFile(ctx context.Context, path string) (Result, bool) {
	d.processMu.Lock()
	defer d.processMu.Unlock()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Result{}, false
	}

	log := d.log.WithField("file", filepath.Base(path))
	_, err := d.client.Fetch(ctx, fetch.FileCall(path))

	res := Result{Outcome: Applied, Err: err, Time: time.Now()}
	target := AppliedDir
	if err != nil {
		res.Outcome = Failed
		target = FailedDir
		log.WithField("err", err).Warn("envelope rejected")
	} else {
		log.Info("envelope applied")
	}

	dest, moveErr := moveInto(path, filepath.Join(d.dir, target))
	if moveErr != nil {
		log.WithField("err", moveErr).Error("failed to move processed file")
		dest = path
	}
	res.Path = dest
	if err != nil && moveErr == nil {
		if werr := os.WriteFile(dest+".err", []byte(err.Error()+"\n"), 0644); werr != nil {
			log.WithField("err", werr).Warn("failed to write error file")
		}
	}

	metrics.InboxFilesTotal.WithLabelValues(string(res.Outcome)).Inc()
	if d.config.OnResult != nil {
		d.config.OnResult(res)
	}
	return res, true
}

// moveInto renames path into dir, suffixing the name if it is taken.
func moveInto(path, dir string) (string, error) {
	base := filepath.Base(path)
	dest := filepath.Join(dir, base)
	for i := 1; ; i++ {
		if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
			break
		}
		ext := filepath.Ext(base)
		dest = filepath.Join(dir, fmt.Sprintf("%s.%d%s", base[:len(base)-len(ext)], i, ext))
	}
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("failed to move %s: %w", base, err)
	}
	return dest, nil
}
