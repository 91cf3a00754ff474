package conn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sebas/econn/internal/econn/callback"
	"github.com/sebas/econn/internal/econn/config"
	"github.com/sebas/econn/internal/econn/errs"
	"github.com/sebas/econn/internal/econn/message"
	"github.com/sebas/econn/internal/econn/props"
	"github.com/sebas/econn/internal/econn/timersvc"
	"github.com/sebas/econn/internal/econn/transport/memory"
)

// recordingCallbacks captures every notification for assertions.
type recordingCallbacks struct {
	connects    int
	answers     []bool // fromConflict per call
	updateReqs  []bool // shouldReset per call
	updateResps int
	closed      bool
	closeErr    error
}

func (r *recordingCallbacks) OnConnect(t time.Time, userID, clientID string, age time.Duration, sdp string, p props.Dict) {
	r.connects++
}
func (r *recordingCallbacks) OnAnswer(fromConflict bool, sdp string, p props.Dict) {
	r.answers = append(r.answers, fromConflict)
}
func (r *recordingCallbacks) OnUpdateReq(userID, clientID, sdp string, p props.Dict, shouldReset bool) {
	r.updateReqs = append(r.updateReqs, shouldReset)
}
func (r *recordingCallbacks) OnUpdateResp(sdp string, p props.Dict) {
	r.updateResps++
}
func (r *recordingCallbacks) OnClose(err error) {
	r.closed = true
	r.closeErr = err
}

// pipeAdapter wraps a *memory.Pipe as the conn package's local
// Transport interface.
type pipeAdapter struct{ pipe *memory.Pipe }

func (p pipeAdapter) Send(ctx context.Context, wire string) error { return p.pipe.Send(ctx, wire) }

// pump drains every message currently queued on from's inbox and
// dispatches it into dst as having arrived from (senderUser,
// senderClient). Matches how a real transport hands decoded messages
// back to the core: asynchronously, never as a synchronous callstack
// from the sender's own Send.
func pump(t *testing.T, from *memory.Pipe, dst *Connection, senderUser, senderClient string) {
	t.Helper()
	for {
		select {
		case wire := <-from.Inbox():
			msg, err := message.Decode(time.Now(), time.Now(), []byte(wire))
			if err != nil {
				t.Fatalf("pump: decode: %v", err)
			}
			if err := dst.Dispatch(context.Background(), senderUser, senderClient, msg); err != nil {
				t.Fatalf("pump: dispatch: %v", err)
			}
		default:
			return
		}
	}
}

func newLoopbackConn(t *testing.T, userID, clientID string, cb callback.Callbacks, timers timersvc.Service, tp Transport) *Connection {
	t.Helper()
	c, err := New(userID, clientID, config.Default(), tp, cb, timers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

type discardTransport struct{}

func (discardTransport) Send(ctx context.Context, wire string) error { return nil }

type failingTransport struct{ err error }

func (f failingTransport) Send(ctx context.Context, wire string) error { return f.err }

// --- invariant-level tests ---

func TestNewRejectsNilTransport(t *testing.T) {
	_, err := New("alice", "c1", config.Default(), nil, callback.NoopCallbacks{}, nil)
	if kind, ok := errs.KindOf(err); !ok || kind != errs.Unsupported {
		t.Fatalf("expected UNSUPPORTED, got %v", err)
	}
}

func TestStartRejectsZeroSetupTimeout(t *testing.T) {
	c := newLoopbackConn(t, "alice", "c1", callback.NoopCallbacks{}, nil, discardTransport{})
	c.cfg.TimeoutSetup = 0
	err := c.Start(context.Background(), "sdp", nil)
	if kind, ok := errs.KindOf(err); !ok || kind != errs.Protocol {
		t.Fatalf("expected PROTOCOL, got %v", err)
	}
}

func TestUpdateReqWrongStateRejected(t *testing.T) {
	// SPEC_FULL.md Open Question #1: updateReq rejects wrong state
	// instead of forgivingly proceeding.
	c := newLoopbackConn(t, "alice", "c1", callback.NoopCallbacks{}, nil, discardTransport{})
	err := c.UpdateReq(context.Background(), "sdp", nil)
	if kind, ok := errs.KindOf(err); !ok || kind != errs.Protocol {
		t.Fatalf("expected PROTOCOL from IDLE, got %v", err)
	}
}

func TestSetDatachanEstablishedWrongState(t *testing.T) {
	c := newLoopbackConn(t, "alice", "c1", callback.NoopCallbacks{}, nil, discardTransport{})
	if err := c.SetDatachanEstablished(); err == nil {
		t.Fatal("expected error from IDLE")
	}
	if c.GetState() != Idle {
		t.Fatalf("state should not change, got %v", c.GetState())
	}
}

func TestCloseFiresExactlyOnce(t *testing.T) {
	cb := &recordingCallbacks{}
	c := newLoopbackConn(t, "alice", "c1", cb, nil, discardTransport{})
	c.close(errors.New("boom"))
	c.close(errors.New("boom again"))
	if !cb.closed {
		t.Fatal("expected OnClose to fire")
	}
	if cb.closeErr.Error() != "boom" {
		t.Fatalf("second close must not overwrite first: got %v", cb.closeErr)
	}
}

func TestDispatchAfterTerminatingIsDropped(t *testing.T) {
	cb := &recordingCallbacks{}
	c := newLoopbackConn(t, "alice", "c1", cb, nil, discardTransport{})
	c.close(nil)

	msg, err := message.Decode(time.Now(), time.Now(), []byte(`{"version":"3.0","type":"setup","sessid":"ABCDE","resp":false}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := c.Dispatch(context.Background(), "bravo", "c2", msg); err != nil {
		t.Fatalf("dispatch after close should not error: %v", err)
	}
	if cb.connects != 0 {
		t.Fatal("no callback should fire once Terminating")
	}
}

// --- scenario tests (end-to-end call flows) ---

// S1: simple call setup and answer, no glare.
func TestScenarioS1_SetupAndAnswer(t *testing.T) {
	aliceCB := &recordingCallbacks{}
	bravoCB := &recordingCallbacks{}
	timers := timersvc.NewFakeService()

	pipeA, pipeB := memory.NewPair(4)
	alice := newLoopbackConn(t, "alice", "c1", aliceCB, timers, pipeAdapter{pipeA})
	bravo := newLoopbackConn(t, "bravo", "c2", bravoCB, timers, pipeAdapter{pipeB})

	if err := alice.Start(context.Background(), "offer-sdp", props.Dict{"codec": "opus"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	pump(t, pipeB, bravo, "alice", "c1")
	if bravoCB.connects != 1 {
		t.Fatalf("expected bravo OnConnect, got %d", bravoCB.connects)
	}
	if bravo.GetState() != PendingIncoming {
		t.Fatalf("bravo expected PENDING_INCOMING, got %v", bravo.GetState())
	}

	if err := bravo.Answer(context.Background(), "answer-sdp", nil); err != nil {
		t.Fatalf("answer: %v", err)
	}
	pump(t, pipeA, alice, "bravo", "c2")
	if len(aliceCB.answers) != 1 || aliceCB.answers[0] != false {
		t.Fatalf("expected alice OnAnswer(false), got %v", aliceCB.answers)
	}
	if alice.GetState() != Answered || bravo.GetState() != Answered {
		t.Fatalf("expected both ANSWERED, got alice=%v bravo=%v", alice.GetState(), bravo.GetState())
	}
}

// S2/S3: simultaneous SETUP produces a deterministic winner/loser and
// the loser is notified via OnAnswer(fromConflict=true) to answer anew.
func TestScenarioS2S3_GlareResolution(t *testing.T) {
	aliceCB := &recordingCallbacks{}
	bravoCB := &recordingCallbacks{}
	timers := timersvc.NewFakeService()

	pipeA, pipeB := memory.NewPair(4)
	alice := newLoopbackConn(t, "alice", "c1", aliceCB, timers, pipeAdapter{pipeA})
	bravo := newLoopbackConn(t, "bravo", "c2", bravoCB, timers, pipeAdapter{pipeB})

	if err := alice.Start(context.Background(), "alice-offer", nil); err != nil {
		t.Fatalf("alice start: %v", err)
	}
	if err := bravo.Start(context.Background(), "bravo-offer", nil); err != nil {
		t.Fatalf("bravo start: %v", err)
	}
	pump(t, pipeB, bravo, "alice", "c1")
	pump(t, pipeA, alice, "bravo", "c2")

	// alice ("alice","c1") loses to bravo ("bravo","c2") per lexicographic order.
	if alice.ConflictState() != ConflictLoser {
		t.Fatalf("expected alice to lose glare, got %v", alice.ConflictState())
	}
	if bravo.ConflictState() != ConflictWinner {
		t.Fatalf("expected bravo to win glare, got %v", bravo.ConflictState())
	}
	if alice.GetState() != ConflictResolution {
		t.Fatalf("expected alice CONFLICT_RESOLUTION, got %v", alice.GetState())
	}
	if len(aliceCB.answers) != 1 || !aliceCB.answers[0] {
		t.Fatalf("expected alice OnAnswer(fromConflict=true), got %v", aliceCB.answers)
	}
	if bravo.GetState() != PendingOutgoing {
		t.Fatalf("winner should remain PENDING_OUTGOING, got %v", bravo.GetState())
	}
}

// S4: setup timeout fires TIMEDOUT close via the fake timer service.
func TestScenarioS4_SetupTimeout(t *testing.T) {
	cb := &recordingCallbacks{}
	timers := timersvc.NewFakeService()
	c := newLoopbackConn(t, "alice", "c1", cb, timers, discardTransport{})

	if err := c.Start(context.Background(), "sdp", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	tok := timers.LastToken()
	if !timers.Fire(tok) {
		t.Fatal("expected setup timer to be armed")
	}
	if !cb.closed {
		t.Fatal("expected OnClose after setup timeout")
	}
	if kind, ok := errs.KindOf(cb.closeErr); !ok || kind != errs.TimedOut {
		t.Fatalf("expected TIMEDOUT, got %v", cb.closeErr)
	}
	if c.GetState() != Terminating {
		t.Fatalf("expected TERMINATING, got %v", c.GetState())
	}
}

// S5: hangup after datachan established runs the HANGUP handshake and
// closes both sides cleanly, with no error.
func TestScenarioS5_HangupAfterDatachan(t *testing.T) {
	aliceCB := &recordingCallbacks{}
	bravoCB := &recordingCallbacks{}
	timers := timersvc.NewFakeService()

	pipeA, pipeB := memory.NewPair(4)
	alice := newLoopbackConn(t, "alice", "c1", aliceCB, timers, pipeAdapter{pipeA})
	bravo := newLoopbackConn(t, "bravo", "c2", bravoCB, timers, pipeAdapter{pipeB})

	if err := alice.Start(context.Background(), "offer", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	pump(t, pipeB, bravo, "alice", "c1")
	if err := bravo.Answer(context.Background(), "answer", nil); err != nil {
		t.Fatalf("answer: %v", err)
	}
	pump(t, pipeA, alice, "bravo", "c2")
	if err := alice.SetDatachanEstablished(); err != nil {
		t.Fatalf("alice setDatachanEstablished: %v", err)
	}
	if err := bravo.SetDatachanEstablished(); err != nil {
		t.Fatalf("bravo setDatachanEstablished: %v", err)
	}

	if err := alice.End(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}
	if alice.GetState() != HangupSent {
		t.Fatalf("expected alice HANGUP_SENT, got %v", alice.GetState())
	}

	pump(t, pipeB, bravo, "alice", "c1") // bravo receives HANGUP(req), auto-responds
	if !bravoCB.closed || bravoCB.closeErr != nil {
		t.Fatalf("expected bravo clean close, got closed=%v err=%v", bravoCB.closed, bravoCB.closeErr)
	}

	pump(t, pipeA, alice, "bravo", "c2") // alice receives HANGUP(resp)
	tok := timers.LastToken()
	timers.Fire(tok) // the term timer is canceled by the response, but firing a stale token must be a no-op
	if !aliceCB.closed || aliceCB.closeErr != nil {
		t.Fatalf("expected alice clean close, got closed=%v err=%v", aliceCB.closed, aliceCB.closeErr)
	}
}

// S6: propsync is only accepted once the datachan is established.
func TestScenarioS6_PropsyncGate(t *testing.T) {
	aliceCB := &recordingCallbacks{}
	bravoCB := &recordingCallbacks{}
	timers := timersvc.NewFakeService()

	pipeA, pipeB := memory.NewPair(4)
	alice := newLoopbackConn(t, "alice", "c1", aliceCB, timers, pipeAdapter{pipeA})
	bravo := newLoopbackConn(t, "bravo", "c2", bravoCB, timers, pipeAdapter{pipeB})

	if err := alice.Start(context.Background(), "offer", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	pump(t, pipeB, bravo, "alice", "c1")
	if err := bravo.Answer(context.Background(), "answer", nil); err != nil {
		t.Fatalf("answer: %v", err)
	}
	pump(t, pipeA, alice, "bravo", "c2")

	if err := alice.SendPropsync(context.Background(), props.Dict{"muted": true}, false); err == nil {
		t.Fatal("expected propsync to be rejected before datachan established")
	}

	if err := alice.SetDatachanEstablished(); err != nil {
		t.Fatalf("setDatachanEstablished: %v", err)
	}
	if err := alice.SendPropsync(context.Background(), props.Dict{"muted": true}, false); err != nil {
		t.Fatalf("expected propsync to succeed after datachan established: %v", err)
	}
}

func TestSendPropsyncRequiresNonEmptyProps(t *testing.T) {
	c := newLoopbackConn(t, "alice", "c1", callback.NoopCallbacks{}, nil, discardTransport{})
	c.state = DatachanEstablished
	err := c.SendPropsync(context.Background(), nil, false)
	if kind, ok := errs.KindOf(err); !ok || kind != errs.InvalidArg {
		t.Fatalf("expected INVALID_ARG for empty propsync, got %v", err)
	}
}

func TestSendFailureDuringSetupTerminates(t *testing.T) {
	cb := &recordingCallbacks{}
	c := newLoopbackConn(t, "alice", "c1", cb, nil, failingTransport{err: errors.New("network down")})
	err := c.Start(context.Background(), "sdp", nil)
	if err == nil {
		t.Fatal("expected Start to propagate the send error")
	}
	if c.GetState() != Terminating {
		t.Fatalf("expected TERMINATING after send failure, got %v", c.GetState())
	}
	if !cb.closed {
		t.Fatal("expected OnClose after send failure")
	}
}
