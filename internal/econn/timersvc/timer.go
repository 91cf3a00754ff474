// Package timersvc provides the token-based timer binding the
// connection state machine uses to arm setup/term timers and the
// deferred-close timer. A connection keeps at most one outstanding
// token at a time and cancels it before arming the next; a Service
// itself tracks every pending timer and Start does not cancel earlier
// ones.
package timersvc

import (
	"sync"
	"sync/atomic"
	"time"
)

// Token identifies one armed timer. The zero Token never matches a
// real timer.
type Token uint64

// Service starts and cancels single-shot timers identified by Token.
// Implementations must be safe for concurrent use.
type Service interface {
	// Start arms a new timer that fires fn after d elapses, returning a
	// Token to cancel it. fn runs on its own goroutine.
	Start(d time.Duration, fn func()) Token

	// Cancel stops the timer for tok, if still pending. Canceling an
	// already-fired or unknown token is a no-op.
	Cancel(tok Token)
}

// realService is the production Service, backed by time.AfterFunc.
type realService struct {
	mu      sync.Mutex
	next    atomic.Uint64
	pending map[Token]*time.Timer
}

// NewService returns a Service backed by the runtime's monotonic clock.
func NewService() Service {
	return &realService{pending: make(map[Token]*time.Timer)}
}

func (s *realService) Start(d time.Duration, fn func()) Token {
	tok := Token(s.next.Add(1))

	s.mu.Lock()
	t := time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.pending, tok)
		s.mu.Unlock()
		fn()
	})
	s.pending[tok] = t
	s.mu.Unlock()

	return tok
}

func (s *realService) Cancel(tok Token) {
	if tok == 0 {
		return
	}
	s.mu.Lock()
	t, ok := s.pending[tok]
	if ok {
		delete(s.pending, tok)
	}
	s.mu.Unlock()
	if ok {
		t.Stop()
	}
}
