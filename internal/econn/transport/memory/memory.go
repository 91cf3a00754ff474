// Package memory provides an in-process transport for tests and
// single-binary demos: two Pipe endpoints exchange wire-encoded
// messages over buffered channels, much like events.ChannelPublisher's
// buffered delivery. Unlike that publisher, Send blocks while the
// peer's buffer is full (until ctx is done) and returns an error once
// either end is closed, rather than dropping the message.
package memory

import (
	"context"
	"errors"
	"sync"
)

// Pipe is one end of a paired in-memory transport. Send on one end
// enqueues onto the peer's Inbox channel.
type Pipe struct {
	mu     sync.RWMutex
	peer   *Pipe
	inbox  chan string
	closed bool
}

// NewPair returns two Pipes wired to each other.
func NewPair(bufferSize int) (a, b *Pipe) {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	a = &Pipe{inbox: make(chan string, bufferSize)}
	b = &Pipe{inbox: make(chan string, bufferSize)}
	a.peer, b.peer = b, a
	return a, b
}

// Send implements transport.Transport by enqueueing wire onto the
// peer's inbox. Returns an error if this end or the peer has closed.
func (p *Pipe) Send(ctx context.Context, wire string) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return errors.New("memory: pipe closed")
	}
	peer := p.peer
	peer.mu.RLock()
	defer peer.mu.RUnlock()
	if peer.closed {
		return errors.New("memory: peer pipe closed")
	}
	select {
	case peer.inbox <- wire:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbox returns the channel of messages sent by the peer.
func (p *Pipe) Inbox() <-chan string {
	return p.inbox
}

// Close marks the pipe closed; further Sends fail.
func (p *Pipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
}
