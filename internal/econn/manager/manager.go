// Package manager provides a registry of live connections, the piece
// the econn core itself deliberately leaves out: one Connection
// manages one call, not a directory of them. Registry owns the map,
// cleans up on close, and fans operations like shutdown out across
// every entry with bounded concurrency.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sebas/econn/internal/econn/callback"
	"github.com/sebas/econn/internal/econn/config"
	"github.com/sebas/econn/internal/econn/conn"
	"github.com/sebas/econn/internal/econn/events"
	"github.com/sebas/econn/internal/econn/props"
	"github.com/sebas/econn/internal/econn/store"
	"github.com/sebas/econn/internal/econn/timersvc"
)

// DefaultIdleTTL bounds how long a registry entry survives without
// being refreshed. A connection is refreshed on every Get (see
// Registry.Get / Registry.Touch); this backstops entries whose
// connection wedges without ever closing.
const DefaultIdleTTL = 2 * time.Hour

// defaultCleanupInterval is how often the backing store sweeps for
// expired entries.
const defaultCleanupInterval = time.Minute

// maxConcurrentEnds bounds how many End() calls EndAll runs at once
// rather than firing every one in the registry simultaneously.
const maxConcurrentEnds = 32

// Registry holds every connection created through it, keyed by
// connection ID, and removes each one the moment it closes.
type Registry struct {
	store     *store.TTLStore[string, *conn.Connection]
	ttl       time.Duration
	logger    *slog.Logger
	publisher events.Publisher
}

// NewRegistry creates a Registry whose entries expire after ttl absent
// a refresh, with a nil logger defaulting to slog.Default and a nil
// publisher defaulting to events.NoopPublisher.
func NewRegistry(ttl time.Duration, logger *slog.Logger, publisher events.Publisher) *Registry {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	s := store.NewTTLStore[string, *conn.Connection](defaultCleanupInterval)
	r := &Registry{store: s, ttl: ttl, logger: logger, publisher: publisher}
	s.SetOnEvict(func(id string, c *conn.Connection) {
		r.logger.Warn("econn: registry evicted idle connection", "id", id)
	})
	return r
}

// New builds a connection via conn.New and registers it under its
// generated ID, wiring appCallbacks to also reach the application
// while the registry observes every notification to publish a
// lifecycle event and, on close, remove its own entry. appCallbacks
// may be nil.
func (r *Registry) New(userIDSelf, clientIDSelf string, cfg config.Config, tp conn.Transport, appCallbacks callback.Callbacks, timers timersvc.Service) (*conn.Connection, error) {
	fwd := &forwarder{}

	c, err := conn.New(userIDSelf, clientIDSelf, cfg, tp, fwd, timers)
	if err != nil {
		return nil, err
	}

	if appCallbacks == nil {
		appCallbacks = callback.NoopCallbacks{}
	}
	id := c.ID()
	fwd.setTarget(callback.MultiCallbacks{
		Handlers: []callback.Callbacks{
			appCallbacks,
			eventCallbacks{publisher: r.publisher, connID: id, userID: userIDSelf, clientID: clientIDSelf, sessionID: c.SessionIDLocal()},
			cleanupCallbacks{registry: r, id: id},
		},
	})

	r.store.Set(id, c, r.ttl)
	return c, nil
}

// Get looks up a connection by ID and refreshes its TTL on a hit.
func (r *Registry) Get(id string) (*conn.Connection, bool) {
	c, ok := r.store.Get(id)
	if ok {
		r.store.Refresh(id, r.ttl)
	}
	return c, ok
}

// Touch refreshes id's TTL without returning the connection; callers
// that already hold the connection from a prior Get use this instead
// of a redundant lookup.
func (r *Registry) Touch(id string) {
	r.store.Refresh(id, r.ttl)
}

// Count returns the number of connections currently registered.
func (r *Registry) Count() int {
	return r.store.Len()
}

// List returns a snapshot of every registered connection.
func (r *Registry) List() []*conn.Connection {
	all := r.store.All()
	out := make([]*conn.Connection, 0, len(all))
	for _, c := range all {
		out = append(out, c)
	}
	return out
}

// remove drops id from the registry. Called once per connection, from
// its own OnClose notification.
func (r *Registry) remove(id string) {
	r.store.Delete(id)
}

// EndAll calls End on every currently registered connection with
// bounded concurrency, logging (rather than failing fast on) any
// individual End error, and returns once every call has completed or
// ctx is canceled. Used for graceful shutdown.
func (r *Registry) EndAll(ctx context.Context) error {
	connections := r.List()
	if len(connections) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(maxConcurrentEnds)
	g, gCtx := errgroup.WithContext(ctx)

	for _, c := range connections {
		c := c
		g.Go(func() error {
			if err := sem.Acquire(gCtx, 1); err != nil {
				return fmt.Errorf("manager: acquire end slot for %s: %w", c.ID(), err)
			}
			defer sem.Release(1)

			if err := c.End(gCtx); err != nil {
				r.logger.Warn("econn: end failed during shutdown", "id", c.ID(), "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// Close stops the registry's background cleanup and the event
// publisher. It does not end any still-open connection; call EndAll
// first for a graceful shutdown.
func (r *Registry) Close() {
	r.store.Close()
	if err := r.publisher.Close(); err != nil {
		r.logger.Warn("econn: event publisher close failed", "error", err)
	}
}

// forwarder is the Callbacks implementation handed to conn.New before
// the registry knows the new connection's ID (conn.New generates the
// ID internally and there is no setter to wire a callback in after the
// fact). setTarget installs the real handler immediately after New
// returns, before the caller can invoke any operation that would raise
// a notification.
type forwarder struct {
	mu     sync.Mutex
	target callback.Callbacks
}

func (f *forwarder) setTarget(cb callback.Callbacks) {
	f.mu.Lock()
	f.target = cb
	f.mu.Unlock()
}

func (f *forwarder) get() callback.Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.target == nil {
		return callback.NoopCallbacks{}
	}
	return f.target
}

func (f *forwarder) OnConnect(t time.Time, userID, clientID string, age time.Duration, sdp string, p props.Dict) {
	f.get().OnConnect(t, userID, clientID, age, sdp, p)
}

func (f *forwarder) OnAnswer(fromConflict bool, sdp string, p props.Dict) {
	f.get().OnAnswer(fromConflict, sdp, p)
}

func (f *forwarder) OnUpdateReq(userID, clientID, sdp string, p props.Dict, shouldReset bool) {
	f.get().OnUpdateReq(userID, clientID, sdp, p, shouldReset)
}

func (f *forwarder) OnUpdateResp(sdp string, p props.Dict) {
	f.get().OnUpdateResp(sdp, p)
}

func (f *forwarder) OnClose(err error) {
	f.get().OnClose(err)
}

// eventCallbacks publishes a lifecycle event for every notification a
// connection raises, composed alongside the application's own
// callbacks via callback.MultiCallbacks. Publishing is fire-and-forget
// (PublishAsync): a slow or unavailable event sink must never slow
// down or fail a signaling operation.
type eventCallbacks struct {
	publisher events.Publisher
	connID    string
	userID    string
	clientID  string
	sessionID string
}

func (e eventCallbacks) base(t events.EventType) events.BaseEvent {
	return events.BaseEvent{
		EventType: t,
		EventTime: time.Now(),
		ConnID_:   e.connID,
		UserID:    e.userID,
		ClientID:  e.clientID,
		SessionID: e.sessionID,
	}
}

func (e eventCallbacks) OnConnect(t time.Time, userID, clientID string, age time.Duration, sdp string, p props.Dict) {
	e.publisher.PublishAsync(&events.ConnectedEvent{BaseEvent: e.base(events.Connected), Age: age})
}

func (e eventCallbacks) OnAnswer(fromConflict bool, sdp string, p props.Dict) {
	e.publisher.PublishAsync(&events.AnsweredEvent{BaseEvent: e.base(events.Answered), FromConflict: fromConflict})
}

func (e eventCallbacks) OnUpdateReq(userID, clientID, sdp string, p props.Dict, shouldReset bool) {
	e.publisher.PublishAsync(&events.UpdateRequestedEvent{BaseEvent: e.base(events.UpdateRequested), ShouldReset: shouldReset})
}

func (e eventCallbacks) OnUpdateResp(sdp string, p props.Dict) {
	e.publisher.PublishAsync(&events.UpdateAnsweredEvent{BaseEvent: e.base(events.UpdateAnswered)})
}

func (e eventCallbacks) OnClose(err error) {
	ev := &events.ClosedEvent{BaseEvent: e.base(events.Closed)}
	if err != nil {
		ev.Err = err.Error()
	}
	e.publisher.PublishAsync(ev)
}

// cleanupCallbacks removes a connection's registry entry on close and
// otherwise does nothing; composed alongside the application's own
// callbacks via callback.MultiCallbacks.
type cleanupCallbacks struct {
	registry *Registry
	id       string
}

func (cleanupCallbacks) OnConnect(time.Time, string, string, time.Duration, string, props.Dict) {}
func (cleanupCallbacks) OnAnswer(bool, string, props.Dict)                                      {}
func (cleanupCallbacks) OnUpdateReq(string, string, string, props.Dict, bool)                   {}
func (cleanupCallbacks) OnUpdateResp(string, props.Dict)                                        {}

func (c cleanupCallbacks) OnClose(error) {
	c.registry.remove(c.id)
}
