// Package transport defines the econn send contract. econn never
// implements the actual delivery of signaling messages — it only
// borrows a Transport to hand off an already-encoded message.
package transport

import "context"

// Transport abstracts delivery of an encoded message to the remote
// peer of one connection. Implementations: the push channel, mailbox,
// or relay the deploying application already has. See the memory and
// sipmsg subpackages for two concrete bindings.
//
// Send must hand off rather than synchronously drive the receiving
// side's Dispatch: a conn.Connection holds its own lock for the
// duration of the operation that calls Send, and a same-goroutine
// round trip back into that connection's Dispatch would deadlock.
type Transport interface {
	// Send delivers the already-encoded wire message. Any returned
	// error propagates back through the operation that triggered it;
	// there is no retry policy here.
	Send(ctx context.Context, wire string) error
}

// Func adapts a plain function to the Transport interface.
type Func func(ctx context.Context, wire string) error

func (f Func) Send(ctx context.Context, wire string) error { return f(ctx, wire) }
