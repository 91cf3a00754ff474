package manager

import (
	"context"
	"testing"
	"time"

	"github.com/sebas/econn/internal/econn/callback"
	"github.com/sebas/econn/internal/econn/conn"
	"github.com/sebas/econn/internal/econn/config"
	"github.com/sebas/econn/internal/econn/events"
	"github.com/sebas/econn/internal/econn/props"
	"github.com/sebas/econn/internal/econn/timersvc"
	"github.com/sebas/econn/internal/econn/transport/memory"
)

// pipeAdapter lets a *memory.Pipe satisfy conn.Transport.
type pipeAdapter struct{ pipe *memory.Pipe }

func (p pipeAdapter) Send(ctx context.Context, wire string) error { return p.pipe.Send(ctx, wire) }

// recordingCallbacks records only what these tests assert on.
type recordingCallbacks struct {
	closed   bool
	closeErr error
}

func (r *recordingCallbacks) OnConnect(time.Time, string, string, time.Duration, string, props.Dict) {
}
func (r *recordingCallbacks) OnAnswer(bool, string, props.Dict)                    {}
func (r *recordingCallbacks) OnUpdateReq(string, string, string, props.Dict, bool) {}
func (r *recordingCallbacks) OnUpdateResp(string, props.Dict)                      {}
func (r *recordingCallbacks) OnClose(err error) {
	r.closed = true
	r.closeErr = err
}

// newStartedConnection registers a connection and drives it into
// PendingOutgoing, the state End() needs to actually close something
// (Idle is a no-op default case in End()'s termination table).
func newStartedConnection(t *testing.T, r *Registry, userID, clientID string, cb callback.Callbacks, tp conn.Transport) *conn.Connection {
	t.Helper()
	c, err := r.New(userID, clientID, config.Default(), tp, cb, timersvc.NewService())
	if err != nil {
		t.Fatalf("Registry.New: %v", err)
	}
	if err := c.Start(context.Background(), "sdp", props.Dict{"k": "v"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c
}

// waitClosed polls app.closed for up to a short deadline; End()'s
// close runs on a real 1ms deferred timer, not synchronously.
func waitClosed(t *testing.T, app *recordingCallbacks) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if app.closed {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("OnClose never fired within deadline")
}

func TestRegistryNewRegistersAndCountsConnection(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	defer r.Close()

	a, _ := memory.NewPair(4)
	c := newStartedConnection(t, r, "alice", "c1", nil, pipeAdapter{a})

	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
	got, ok := r.Get(c.ID())
	if !ok || got != c {
		t.Fatalf("Get(%q) = %v, %v; want %v, true", c.ID(), got, ok, c)
	}
}

func TestRegistryRemovesOnClose(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	defer r.Close()

	a, _ := memory.NewPair(4)
	app := &recordingCallbacks{}
	c := newStartedConnection(t, r, "alice", "c1", app, pipeAdapter{a})

	if err := c.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	// End() on PendingOutgoing arms a short deferred timer and closes
	// from its callback, not synchronously within End() itself.
	waitClosed(t, app)
	if _, ok := r.Get(c.ID()); ok {
		t.Fatalf("connection %q still registered after close", c.ID())
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", r.Count())
	}
}

func TestRegistryListReturnsAllRegistered(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	defer r.Close()

	a1, _ := memory.NewPair(4)
	a2, _ := memory.NewPair(4)
	newStartedConnection(t, r, "alice", "c1", nil, pipeAdapter{a1})
	newStartedConnection(t, r, "bravo", "c2", nil, pipeAdapter{a2})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d connections, want 2", len(list))
	}
}

func TestEndAllEndsEveryConnection(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	defer r.Close()

	const n = 5
	apps := make([]*recordingCallbacks, 0, n)
	for i := 0; i < n; i++ {
		a, _ := memory.NewPair(4)
		app := &recordingCallbacks{}
		apps = append(apps, app)
		newStartedConnection(t, r, "user", "client", app, pipeAdapter{a})
	}

	if err := r.EndAll(context.Background()); err != nil {
		t.Fatalf("EndAll: %v", err)
	}
	for _, app := range apps {
		waitClosed(t, app)
	}
	// The registry's OnClose hook removes each entry right after the
	// application's OnClose runs; give the last removal a moment to land.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && r.Count() != 0 {
		time.Sleep(time.Millisecond)
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d after EndAll, want 0", r.Count())
	}
}

func TestRegistryPublishesCloseEvent(t *testing.T) {
	// Start() alone (no peer) only ever raises OnClose when later
	// ended; OnConnect/OnAnswer require an inbound SETUP, exercised in
	// conn's own two-sided tests. This test only grounds the wiring
	// between conn callbacks and published events.
	pub := events.NewChannelPublisher(8)
	r := NewRegistry(time.Hour, nil, pub)
	defer r.Close()

	a, _ := memory.NewPair(4)
	c := newStartedConnection(t, r, "alice", "c1", nil, pipeAdapter{a})
	_ = c.End(context.Background())

	select {
	case ev := <-pub.Events():
		if ev.Type() != events.Closed {
			t.Fatalf("event type = %v, want %v", ev.Type(), events.Closed)
		}
		if ev.ConnID() != c.ID() {
			t.Errorf("event ConnID() = %q, want %q", ev.ConnID(), c.ID())
		}
	case <-time.After(time.Second):
		t.Fatal("no event published within deadline")
	}
}

func TestEndAllOnEmptyRegistryReturnsNil(t *testing.T) {
	r := NewRegistry(time.Hour, nil, nil)
	defer r.Close()

	if err := r.EndAll(context.Background()); err != nil {
		t.Fatalf("EndAll on empty registry: %v", err)
	}
}
