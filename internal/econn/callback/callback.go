// Package callback defines the fixed, five-method application
// notification surface the connection state machine raises. It is a
// closed surface, not an open extension point: adding a notification
// means adding a method here, not a new registration mechanism.
package callback

import (
	"log/slog"
	"time"

	"github.com/sebas/econn/internal/econn/props"
)

// Callbacks is the application's notification sink for one connection.
// All methods are invoked synchronously from the core; implementations
// must not re-enter the triggering connection except through its
// documented operations, and must return promptly.
type Callbacks interface {
	// OnConnect fires when a SETUP request is accepted from IDLE.
	OnConnect(t time.Time, userIDSender, clientIDSender string, age time.Duration, sdp string, p props.Dict)

	// OnAnswer fires when a SETUP response is accepted, or when
	// CONFLICT_RESOLUTION is entered after losing glare.
	OnAnswer(fromConflict bool, sdp string, p props.Dict)

	// OnUpdateReq fires when an UPDATE request is accepted.
	// shouldReset is true only when this update request arrived after
	// losing an UPDATE glare.
	OnUpdateReq(userIDSender, clientIDSender, sdp string, p props.Dict, shouldReset bool)

	// OnUpdateResp fires when an UPDATE response is accepted.
	OnUpdateResp(sdp string, p props.Dict)

	// OnClose fires exactly once, last, when the connection reaches
	// TERMINATING. err is nil for a clean hangup.
	OnClose(err error)
}

// NoopCallbacks discards every notification. Useful as a default or in
// tests that only care about state transitions.
type NoopCallbacks struct{}

func (NoopCallbacks) OnConnect(time.Time, string, string, time.Duration, string, props.Dict) {}
func (NoopCallbacks) OnAnswer(bool, string, props.Dict)                                      {}
func (NoopCallbacks) OnUpdateReq(string, string, string, props.Dict, bool)                    {}
func (NoopCallbacks) OnUpdateResp(string, props.Dict)                                         {}
func (NoopCallbacks) OnClose(error)                                                           {}

// LoggingCallbacks logs every notification (at Debug, except OnClose at
// Info) and otherwise does nothing, in the spirit of events.LoggingPublisher from the wider
// call-signaling stack — useful for development and for composing with
// a real handler via MultiCallbacks.
type LoggingCallbacks struct {
	Logger *slog.Logger
}

// NewLoggingCallbacks returns a LoggingCallbacks using logger, or the
// default slog logger if nil.
func NewLoggingCallbacks(logger *slog.Logger) *LoggingCallbacks {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingCallbacks{Logger: logger}
}

func (c *LoggingCallbacks) OnConnect(t time.Time, userID, clientID string, age time.Duration, sdp string, p props.Dict) {
	c.Logger.Debug("econn: connect", "user", userID, "client", clientID, "age", age)
}

func (c *LoggingCallbacks) OnAnswer(fromConflict bool, sdp string, p props.Dict) {
	c.Logger.Debug("econn: answer", "fromConflict", fromConflict)
}

func (c *LoggingCallbacks) OnUpdateReq(userID, clientID, sdp string, p props.Dict, shouldReset bool) {
	c.Logger.Debug("econn: update request", "user", userID, "client", clientID, "shouldReset", shouldReset)
}

func (c *LoggingCallbacks) OnUpdateResp(sdp string, p props.Dict) {
	c.Logger.Debug("econn: update response")
}

func (c *LoggingCallbacks) OnClose(err error) {
	c.Logger.Info("econn: close", "err", err)
}

// MultiCallbacks fans every notification out to all of Handlers, in
// call order. Use it to combine a LoggingCallbacks with the
// application's real handler.
type MultiCallbacks struct {
	Handlers []Callbacks
}

func (m MultiCallbacks) OnConnect(t time.Time, userID, clientID string, age time.Duration, sdp string, p props.Dict) {
	for _, h := range m.Handlers {
		h.OnConnect(t, userID, clientID, age, sdp, p)
	}
}

func (m MultiCallbacks) OnAnswer(fromConflict bool, sdp string, p props.Dict) {
	for _, h := range m.Handlers {
		h.OnAnswer(fromConflict, sdp, p)
	}
}

func (m MultiCallbacks) OnUpdateReq(userID, clientID, sdp string, p props.Dict, shouldReset bool) {
	for _, h := range m.Handlers {
		h.OnUpdateReq(userID, clientID, sdp, p, shouldReset)
	}
}

func (m MultiCallbacks) OnUpdateResp(sdp string, p props.Dict) {
	for _, h := range m.Handlers {
		h.OnUpdateResp(sdp, p)
	}
}

func (m MultiCallbacks) OnClose(err error) {
	for _, h := range m.Handlers {
		h.OnClose(err)
	}
}
