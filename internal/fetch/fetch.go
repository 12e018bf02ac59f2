// Package fetch wraps API calls whose responses may carry a sync directive.
// A directive found on a successful response is applied to the local store
// before the response is handed back.
package fetch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/tablesync/internal/metrics"
	"github.com/steveyegge/tablesync/internal/protocol"
)

// Call performs one remote call and returns its decoded envelope.
type Call func(ctx context.Context) (*protocol.Envelope, error)

// Applier applies a directive. *applier.Applier implements it.
type Applier interface {
	Apply(ctx context.Context, d *protocol.Directive) error
}

// State is the progress of one Fetch call.
type State int

const (
	Idle State = iota
	Fetching
	Failed
	Fetched
	Applying
	Synced
	SyncFailed
)

var stateNames = [...]string{
	Idle:       "idle",
	Fetching:   "fetching",
	Failed:     "failed",
	Fetched:    "fetched",
	Applying:   "applying",
	Synced:     "synced",
	SyncFailed: "sync_failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether a call ends in s. A call whose response
// carries no directive returns to Idle.
func (s State) Terminal() bool {
	return s == Failed || s == Synced || s == SyncFailed || s == Idle
}

// SyncError reports that the remote call succeeded but applying its
// directive failed. The response returned next to it is still valid.
type SyncError struct {
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("remote call succeeded but local sync failed: %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Option configures a Client.
type Option func(*Client)

// WithObserver calls fn on every state transition of every call.
func WithObserver(fn func(State)) Option {
	return func(c *Client) {
		c.observers = append(c.observers, fn)
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) {
		c.log = log
	}
}

// Client runs calls and applies the directives they return. Calls are
// independent: nothing is queued or coalesced between them.
type Client struct {
	applier   Applier
	observers []func(State)
	log       *logrus.Entry
}

// New creates a client applying directives through a.
func New(a Applier, opts ...Option) *Client {
	c := &Client{
		applier: a,
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "fetch")
	return c
}

func (c *Client) enter(s State) {
	for _, fn := range c.observers {
		fn(s)
	}
}

func (c *Client) finish(s State) {
	c.enter(s)
	metrics.FetchTotal.WithLabelValues(s.String()).Inc()
}

// Fetch runs call. A call error is returned unchanged and nothing is
// applied. When the envelope carries a directive it is applied before
// Fetch returns; if that fails the envelope is returned together with a
// *SyncError, so callers can tell a rejected remote call from a failed
// local replay. Nothing is retried.
func (c *Client) Fetch(ctx context.Context, call Call) (*protocol.Envelope, error) {
	c.enter(Fetching)
	env, err := call(ctx)
	if err != nil {
		c.finish(Failed)
		return nil, err
	}
	c.enter(Fetched)

	if !env.HasSync() {
		c.finish(Idle)
		return env, nil
	}

	c.enter(Applying)
	if err := c.applier.Apply(ctx, env.Sync); err != nil {
		c.log.WithFields(logrus.Fields{
			"tables": env.Sync.Tables(),
			"err":    err,
		}).Warn("failed to apply directive")
		c.finish(SyncFailed)
		return env, &SyncError{Err: err}
	}
	c.finish(Synced)
	return env, nil
}
