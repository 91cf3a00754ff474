// Package conn implements the per-call connection state machine — the
// core of econn. One Connection exists per call; it owns its state
// variable, session identifiers, and single pending timer, and
// borrows a transport and a callback sink from the application.
//
// All exported methods are safe for concurrent use: the state machine
// is logically single-threaded, but timer expiry runs on its own
// goroutine, so the record is still guarded by a mutex. The lock is
// always released before an application callback is invoked, so a
// callback handler is free to call back into the same Connection via
// its documented operations.
package conn

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/econn/internal/econn/callback"
	"github.com/sebas/econn/internal/econn/config"
	"github.com/sebas/econn/internal/econn/errs"
	"github.com/sebas/econn/internal/econn/glare"
	"github.com/sebas/econn/internal/econn/message"
	"github.com/sebas/econn/internal/econn/props"
	"github.com/sebas/econn/internal/econn/timersvc"
)

// deferredCloseDelay is the "next tick" delay end() uses so the close
// callback remains the last event raised on a record.
const deferredCloseDelay = time.Millisecond

// Connection is one call's signaling state machine.
type Connection struct {
	mu sync.Mutex

	id string // opaque identifier, for logs and manager lookups

	state     State
	direction Direction

	userIDSelf   string
	clientIDSelf string

	clientIDRemote  string
	sessionIDLocal  string
	sessionIDRemote string

	conflict   Conflict
	setupError error

	timerToken timersvc.Token

	cfg       config.Config
	transport Transport
	callbacks callback.Callbacks
	timers    timersvc.Service

	logger *slog.Logger
}

// Transport is the subset of transport.Transport the connection needs.
// Declared locally (rather than importing the transport package) so
// conn has no dependency on the concrete bindings; transport.Transport
// satisfies this interface.
type Transport interface {
	Send(ctx context.Context, wire string) error
}

// New creates a Connection in the Idle state for the given self
// identity. transport must be non-nil (UNSUPPORTED otherwise);
// callbacks may be nil to discard notifications, and timers may be nil
// to use timersvc.NewService(). userIDSelf and clientIDSelf must be
// non-empty.
func New(userIDSelf, clientIDSelf string, cfg config.Config, tp Transport, cb callback.Callbacks, timers timersvc.Service) (*Connection, error) {
	if userIDSelf == "" || clientIDSelf == "" {
		return nil, errs.New(errs.InvalidArg, "new", "empty identity")
	}
	if tp == nil {
		return nil, errs.New(errs.Unsupported, "new", "no transport bound")
	}
	if cb == nil {
		cb = callback.NoopCallbacks{}
	}
	if timers == nil {
		timers = timersvc.NewService()
	}

	return &Connection{
		id:             uuid.NewString(),
		state:          Idle,
		direction:      DirectionUnknown,
		userIDSelf:     userIDSelf,
		clientIDSelf:   clientIDSelf,
		sessionIDLocal: genSessionID(),
		cfg:            cfg,
		transport:      tp,
		callbacks:      cb,
		timers:         timers,
		logger:         slog.Default(),
	}, nil
}

// genSessionID derives the 5-character local session token from a
// random UUID.
func genSessionID() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return raw[:5]
}

// --- accessors ---

func (c *Connection) ID() string {
	return c.id
}

// UserIDSelf returns this endpoint's identity, fixed at creation.
func (c *Connection) UserIDSelf() string {
	return c.userIDSelf
}

// ClientIDSelf returns this endpoint's device id, fixed at creation.
func (c *Connection) ClientIDSelf() string {
	return c.clientIDSelf
}

func (c *Connection) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Direction() Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.direction
}

func (c *Connection) SessionIDLocal() string {
	// immutable after creation; no lock needed, but kept for symmetry
	return c.sessionIDLocal
}

func (c *Connection) SessionIDRemote() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionIDRemote
}

func (c *Connection) ConflictState() Conflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conflict
}

func (c *Connection) SetupError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setupError
}

// --- outbound operations ---

// Start sends SETUP(req). Legal from Idle or PendingOutgoing.
func (c *Connection) Start(ctx context.Context, sdp string, p props.Dict) error {
	c.mu.Lock()
	if c.state != Idle && c.state != PendingOutgoing {
		c.mu.Unlock()
		return errs.New(errs.Protocol, "start", "invalid state "+c.state.String())
	}
	if c.cfg.TimeoutSetup <= 0 {
		c.mu.Unlock()
		return errs.New(errs.Protocol, "start", "zero setup timeout")
	}

	c.direction = DirectionOutgoing
	c.state = PendingOutgoing

	wire, err := message.Encode(&message.Message{
		Type: message.Setup, SessionIDSender: c.sessionIDLocal, IsResponse: false, SDP: sdp, Props: p,
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if sendErr := c.transport.Send(ctx, wire); sendErr != nil {
		cb := c.closeLocked(sendErr)
		c.mu.Unlock()
		c.fire(cb, sendErr)
		return sendErr
	}
	c.armSetupTimerLocked()
	c.mu.Unlock()
	return nil
}

// Answer sends SETUP(resp). Legal from PendingIncoming or
// ConflictResolution.
func (c *Connection) Answer(ctx context.Context, sdp string, p props.Dict) error {
	c.mu.Lock()
	if c.state != PendingIncoming && c.state != ConflictResolution {
		c.mu.Unlock()
		return errs.New(errs.Protocol, "answer", "invalid state "+c.state.String())
	}
	c.cancelTimerLocked()

	wire, err := message.Encode(&message.Message{
		Type: message.Setup, SessionIDSender: c.sessionIDLocal, IsResponse: true, SDP: sdp, Props: p,
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if sendErr := c.transport.Send(ctx, wire); sendErr != nil {
		cb := c.closeLocked(sendErr)
		c.mu.Unlock()
		c.fire(cb, sendErr)
		return sendErr
	}
	c.state = Answered
	c.mu.Unlock()
	return nil
}

// UpdateReq sends UPDATE(req). Legal from Answered or
// DatachanEstablished. Unlike the original source, wrong-state calls
// are rejected with PROTOCOL rather than logged and allowed to proceed
// (SPEC_FULL.md Open Question #1).
func (c *Connection) UpdateReq(ctx context.Context, sdp string, p props.Dict) error {
	c.mu.Lock()
	if c.state != Answered && c.state != DatachanEstablished {
		c.mu.Unlock()
		return errs.New(errs.Protocol, "updateReq", "invalid state "+c.state.String())
	}
	c.state = UpdateSent

	wire, err := message.Encode(&message.Message{
		Type: message.Update, SessionIDSender: c.sessionIDLocal, IsResponse: false, SDP: sdp, Props: p,
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if sendErr := c.transport.Send(ctx, wire); sendErr != nil {
		cb := c.closeLocked(sendErr)
		c.mu.Unlock()
		c.fire(cb, sendErr)
		return sendErr
	}
	c.armSetupTimerLocked()
	c.mu.Unlock()
	return nil
}

// UpdateResp sends UPDATE(resp). Legal only from UpdateRecv.
func (c *Connection) UpdateResp(ctx context.Context, sdp string, p props.Dict) error {
	c.mu.Lock()
	if c.state != UpdateRecv {
		c.mu.Unlock()
		return errs.New(errs.Protocol, "updateResp", "invalid state "+c.state.String())
	}
	c.cancelTimerLocked()

	wire, err := message.Encode(&message.Message{
		Type: message.Update, SessionIDSender: c.sessionIDLocal, IsResponse: true, SDP: sdp, Props: p,
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if sendErr := c.transport.Send(ctx, wire); sendErr != nil {
		cb := c.closeLocked(sendErr)
		c.mu.Unlock()
		c.fire(cb, sendErr)
		return sendErr
	}
	c.state = Answered
	c.mu.Unlock()
	return nil
}

// SendPropsync sends PROPSYNC. Legal only from DatachanEstablished.
func (c *Connection) SendPropsync(ctx context.Context, p props.Dict, isResponse bool) error {
	c.mu.Lock()
	if c.state != DatachanEstablished {
		c.mu.Unlock()
		return errs.New(errs.Protocol, "sendPropsync", "invalid state "+c.state.String())
	}

	wire, err := message.Encode(&message.Message{
		Type: message.Propsync, SessionIDSender: c.sessionIDLocal, IsResponse: isResponse, Props: p,
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	sendErr := c.transport.Send(ctx, wire)
	c.mu.Unlock()
	return sendErr
}

// SetDatachanEstablished records that the application's data channel is
// up. Legal only from Answered.
func (c *Connection) SetDatachanEstablished() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Answered {
		c.logger.Warn("econn: setDatachanEstablished in wrong state", "conn", c.id, "state", c.state)
		return errs.New(errs.Protocol, "setDatachanEstablished", "invalid state "+c.state.String())
	}
	c.state = DatachanEstablished
	return nil
}

// End tears down the connection per the termination table in spec
// §4.3. It never returns a protocol error; an End() call in a state
// with no termination rule is a logged no-op.
func (c *Connection) End(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case PendingIncoming:
		c.cancelTimerLocked()
		c.state = Terminating
		c.timerToken = c.timers.Start(deferredCloseDelay, func() { c.close(nil) })
		c.mu.Unlock()

	case PendingOutgoing, Answered, ConflictResolution:
		c.cancelTimerLocked()
		wire, err := message.Encode(&message.Message{
			Type: message.Cancel, SessionIDSender: c.sessionIDLocal, IsResponse: false,
		})
		if err == nil {
			_ = c.transport.Send(ctx, wire) // best-effort
		}
		c.state = Terminating
		c.timerToken = c.timers.Start(deferredCloseDelay, func() { c.close(nil) })
		c.mu.Unlock()

	case DatachanEstablished:
		c.cancelTimerLocked()
		wire, encErr := message.Encode(&message.Message{
			Type: message.Hangup, SessionIDSender: c.sessionIDLocal, IsResponse: false,
		})
		var sendErr error
		if encErr != nil {
			sendErr = encErr
		} else {
			sendErr = c.transport.Send(ctx, wire)
		}
		c.state = HangupSent
		savedErr := sendErr
		c.timerToken = c.timers.Start(c.cfg.TimeoutTerm, func() { c.close(savedErr) })
		c.mu.Unlock()

	default:
		c.logger.Warn("econn: end() no-op in state", "conn", c.id, "state", c.state)
		c.mu.Unlock()
	}
	return nil
}

// --- inbound dispatch ---

// Dispatch processes one inbound message. senderUserID/senderClientID
// are supplied by the transport layer, not the wire envelope: econn
// trusts identity from the transport and the wire
// format itself carries no sender identity beyond the session id.
func (c *Connection) Dispatch(ctx context.Context, senderUserID, senderClientID string, msg *message.Message) error {
	if msg == nil {
		return errs.New(errs.InvalidArg, "dispatch", "nil message")
	}

	c.mu.Lock()
	if c.state.IsTerminal() {
		c.mu.Unlock()
		return nil // Terminating is absorbing; no further callbacks fire
	}

	switch msg.Type {
	case message.Setup:
		return c.dispatchSetupLocked(ctx, senderUserID, senderClientID, msg)
	case message.Update:
		return c.dispatchUpdateLocked(senderUserID, senderClientID, msg)
	case message.Cancel:
		return c.dispatchCancelLocked(senderUserID, senderClientID, msg)
	case message.Hangup:
		return c.dispatchHangupLocked(ctx, senderUserID, senderClientID, msg)
	case message.Propsync:
		return c.dispatchPropsyncLocked(msg)
	default:
		c.mu.Unlock()
		return errs.New(errs.BadMessage, "dispatch", "unknown message type")
	}
}

func (c *Connection) dispatchSetupLocked(ctx context.Context, senderUserID, senderClientID string, msg *message.Message) error {
	if c.clientIDRemote != "" && c.clientIDRemote != senderClientID {
		c.logger.Warn("econn: dropping SETUP from unexpected client", "conn", c.id, "want", c.clientIDRemote, "got", senderClientID)
		c.mu.Unlock()
		return nil
	}
	if c.clientIDRemote == "" {
		c.clientIDRemote = senderClientID
	}

	if !msg.IsResponse {
		switch c.state {
		case Idle:
			c.sessionIDRemote = msg.SessionIDSender
			c.state = PendingIncoming
			c.direction = DirectionIncoming
			c.armSetupTimerLocked()
			cb := c.callbacks
			t, age, sdp, p := msg.Time, msg.Age, msg.SDP, msg.Props
			c.mu.Unlock()
			if cb != nil {
				cb.OnConnect(t, senderUserID, senderClientID, age, sdp, p)
			}
			return nil

		case PendingOutgoing:
			winner := glare.IsWinner(c.userIDSelf, c.clientIDSelf, senderUserID, senderClientID)
			c.sessionIDRemote = msg.SessionIDSender
			if winner {
				c.conflict = ConflictWinner
				c.mu.Unlock()
				return nil
			}
			c.conflict = ConflictLoser
			c.state = ConflictResolution
			cb := c.callbacks
			sdp, p := msg.SDP, msg.Props
			c.mu.Unlock()
			if cb != nil {
				cb.OnAnswer(true, sdp, p)
			}
			return nil

		default:
			c.logger.Warn("econn: dropping SETUP request in state", "conn", c.id, "state", c.state)
			c.mu.Unlock()
			return nil
		}
	}

	// SETUP response.
	switch c.state {
	case PendingOutgoing, ConflictResolution:
		c.cancelTimerLocked()
		c.sessionIDRemote = msg.SessionIDSender
		c.state = Answered
		cb := c.callbacks
		sdp, p := msg.SDP, msg.Props
		c.mu.Unlock()
		if cb != nil {
			cb.OnAnswer(false, sdp, p)
		}
		return nil
	default:
		c.logger.Warn("econn: dropping SETUP response in state", "conn", c.id, "state", c.state)
		c.mu.Unlock()
		return nil
	}
}

func (c *Connection) dispatchUpdateLocked(senderUserID, senderClientID string, msg *message.Message) error {
	if senderClientID != c.clientIDRemote || msg.SessionIDSender != c.sessionIDRemote {
		c.logger.Warn("econn: dropping UPDATE from unexpected sender", "conn", c.id)
		c.mu.Unlock()
		return nil
	}

	if !msg.IsResponse {
		accept := false
		shouldReset := false

		switch c.state {
		case Answered, DatachanEstablished:
			c.state = UpdateRecv
			accept = true
		case UpdateSent:
			if glare.IsWinner(c.userIDSelf, c.clientIDSelf, senderUserID, senderClientID) {
				accept = false // winner drops the remote request and stays
			} else {
				c.state = UpdateRecv
				shouldReset = true
				accept = true
			}
		default:
			accept = false
		}

		if !accept {
			c.mu.Unlock()
			return nil
		}
		c.armSetupTimerLocked()
		cb := c.callbacks
		sdp, p := msg.SDP, msg.Props
		c.mu.Unlock()
		if cb != nil {
			cb.OnUpdateReq(senderUserID, senderClientID, sdp, p, shouldReset)
		}
		return nil
	}

	// UPDATE response.
	if c.state != UpdateSent {
		c.logger.Warn("econn: dropping UPDATE response in state", "conn", c.id, "state", c.state)
		c.mu.Unlock()
		return nil
	}
	c.cancelTimerLocked()
	c.state = Answered
	cb := c.callbacks
	sdp, p := msg.SDP, msg.Props
	c.mu.Unlock()
	if cb != nil {
		cb.OnUpdateResp(sdp, p)
	}
	return nil
}

func (c *Connection) dispatchCancelLocked(senderUserID, senderClientID string, msg *message.Message) error {
	if senderClientID != c.clientIDRemote || msg.SessionIDSender != c.sessionIDRemote {
		c.mu.Unlock()
		return nil
	}

	switch c.state {
	case PendingIncoming, Answered, DatachanEstablished:
		closeErr := errs.New(errs.Canceled, "dispatch", "remote canceled")
		cb := c.closeLocked(closeErr)
		c.mu.Unlock()
		c.fire(cb, closeErr)
	default:
		c.logger.Warn("econn: dropping CANCEL in state", "conn", c.id, "state", c.state)
		c.mu.Unlock()
	}
	return nil
}

func (c *Connection) dispatchHangupLocked(ctx context.Context, senderUserID, senderClientID string, msg *message.Message) error {
	if msg.SessionIDSender != c.sessionIDRemote {
		c.mu.Unlock()
		return nil
	}

	switch c.state {
	case DatachanEstablished, HangupSent:
		c.state = HangupRecv
		if !msg.IsResponse {
			if wire, err := message.Encode(&message.Message{
				Type: message.Hangup, SessionIDSender: c.sessionIDLocal, IsResponse: true,
			}); err == nil {
				_ = c.transport.Send(ctx, wire)
			}
		}
		cb := c.closeLocked(nil)
		c.mu.Unlock()
		c.fire(cb, nil)
	default:
		c.logger.Warn("econn: dropping HANGUP in state", "conn", c.id, "state", c.state)
		c.mu.Unlock()
	}
	return nil
}

// dispatchPropsyncLocked accepts PROPSYNC while DatachanEstablished.
// The application callback surface has no propsync
// notification, so receipt is only logged; this preserves the spec's
// closed, five-method callback contract rather than inventing a sixth
// notification.
func (c *Connection) dispatchPropsyncLocked(msg *message.Message) error {
	if c.state != DatachanEstablished {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.logger.Debug("econn: propsync received", "conn", c.id, "props", msg.Props)
	return nil
}

// --- close procedure ---

// closeLocked performs steps 1-3 of the close procedure and returns the
// callback sink to invoke (outside the lock), or nil if the connection
// was already closed. Callers must unlock before calling fire/OnClose.
func (c *Connection) closeLocked(err error) callback.Callbacks {
	if c.callbacks == nil {
		return nil // already closed
	}
	c.cancelTimerLocked()
	if c.state == PendingOutgoing {
		if wire, encErr := message.Encode(&message.Message{
			Type: message.Cancel, SessionIDSender: c.sessionIDLocal, IsResponse: false,
		}); encErr == nil {
			_ = c.transport.Send(context.Background(), wire) // best-effort
		}
	}
	c.setupError = err
	c.state = Terminating
	cb := c.callbacks
	c.callbacks = nil // clear saved handler first to prevent re-entry
	return cb
}

// close is the standalone entry point used by timer callbacks, which
// run without the lock held.
func (c *Connection) close(err error) {
	c.mu.Lock()
	cb := c.closeLocked(err)
	c.mu.Unlock()
	c.fire(cb, err)
}

// fire invokes cb.OnClose if cb is non-nil; used after unlocking.
func (c *Connection) fire(cb callback.Callbacks, err error) {
	if cb != nil {
		cb.OnClose(err)
	}
}

// --- timer helpers (caller must hold c.mu) ---

func (c *Connection) armSetupTimerLocked() {
	c.cancelTimerLocked()
	c.timerToken = c.timers.Start(c.cfg.TimeoutSetup, func() {
		c.close(errs.New(errs.TimedOut, "timer", "setup timeout"))
	})
}

func (c *Connection) cancelTimerLocked() {
	if c.timerToken != 0 {
		c.timers.Cancel(c.timerToken)
		c.timerToken = 0
	}
}
