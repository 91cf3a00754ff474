// Package sipmsg binds econn's wire envelope to SIP MESSAGE requests
// (RFC 3428) via emiago/sipgo. econn's own messages are small,
// self-contained JSON documents with no dialog state of their own, so
// MESSAGE — stateless outside of the transaction that carries it — is
// a closer fit than building connection semantics on top of INVITE.
//
// Endpoint identity is carried in the SIP URI user part as
// "userID!clientID" (split on "!"), built the same way any sip.Uri
// with a FromHeader is, generalized to carry econn's two-part
// identity instead of a single SIP user.
package sipmsg

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

const contentType = "application/econn+json"

// encodeIdentity packs (userID, clientID) into a SIP URI user part.
func encodeIdentity(userID, clientID string) string {
	return userID + "!" + clientID
}

// decodeIdentity reverses encodeIdentity; ok is false if user is not
// in the expected shape.
func decodeIdentity(user string) (userID, clientID string, ok bool) {
	i := strings.IndexByte(user, '!')
	if i < 0 {
		return "", "", false
	}
	return user[:i], user[i+1:], true
}

// Listener runs a SIP user agent that accepts inbound MESSAGE requests
// and hands their bodies to a registered handler. One Listener is
// shared by every connection bound to sipmsg Endpoints on this host; a
// single sipgo.Server fans inbound requests out to all of them by
// their To header's identity.
type Listener struct {
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	Client *sipgo.Client

	host string
	port int
}

// InboundFunc handles one decoded inbound MESSAGE. senderUserID and
// senderClientID come from the request's From URI; localUserID and
// localClientID come from its To URI, identifying which of the
// daemon's own connections should receive it.
type InboundFunc func(ctx context.Context, senderUserID, senderClientID, localUserID, localClientID, wire string)

// NewListener creates the SIP user agent, server, and client used for
// econn delivery. Call OnMessage before ListenAndServe.
func NewListener(host string, port int) (*Listener, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("sipmsg: create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("sipmsg: create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("sipmsg: create client: %w", err)
	}

	return &Listener{ua: ua, srv: srv, Client: client, host: host, port: port}, nil
}

// OnMessage registers fn as the handler for inbound MESSAGE requests,
// responding 200 OK to each and logging a 400 for malformed From
// headers rather than delivering garbage into the core.
func (l *Listener) OnMessage(fn InboundFunc) {
	l.srv.OnRequest(sip.MESSAGE, func(req *sip.Request, tx sip.ServerTransaction) {
		from := req.From()
		if from == nil {
			respond(tx, req, sip.StatusBadRequest, "Missing From")
			return
		}
		senderUserID, senderClientID, ok := decodeIdentity(from.Address.User)
		if !ok {
			slog.Warn("sipmsg: dropping MESSAGE with unrecognized From user", "user", from.Address.User)
			respond(tx, req, sip.StatusBadRequest, "Bad identity")
			return
		}

		to := req.To()
		if to == nil {
			respond(tx, req, sip.StatusBadRequest, "Missing To")
			return
		}
		localUserID, localClientID, ok := decodeIdentity(to.Address.User)
		if !ok {
			slog.Warn("sipmsg: dropping MESSAGE with unrecognized To user", "user", to.Address.User)
			respond(tx, req, sip.StatusBadRequest, "Bad identity")
			return
		}

		respond(tx, req, sip.StatusOK, "OK")
		fn(context.Background(), senderUserID, senderClientID, localUserID, localClientID, string(req.Body()))
	})
}

func respond(tx sip.ServerTransaction, req *sip.Request, code sip.StatusCode, reason string) {
	resp := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(resp); err != nil {
		slog.Error("sipmsg: failed to respond", "error", err)
	}
}

// ListenAndServe blocks serving SIP traffic on network ("udp" or
// "tcp") until ctx is canceled.
func (l *Listener) ListenAndServe(ctx context.Context, network string) error {
	addr := fmt.Sprintf("%s:%d", l.host, l.port)
	return l.srv.ListenAndServe(ctx, network, addr)
}

// Close releases the user agent and everything built on it.
func (l *Listener) Close() error {
	return l.ua.Close()
}

// Endpoint is a conn.Transport bound to one remote peer, sending econn
// wire messages as SIP MESSAGE request bodies through a shared
// Listener's client.
type Endpoint struct {
	client         *sipgo.Client
	selfUserID     string
	selfClientID   string
	peerUserID     string
	peerClientID   string
	peerHost       string
	peerPort       int
	requestTimeout time.Duration
}

// NewEndpoint builds a send-only transport to (peerUserID, peerClientID)
// at (peerHost, peerPort), identifying the local side as (selfUserID,
// selfClientID) in the From header of every MESSAGE it sends. The
// request-URI and To header carry the peer's identity so the remote
// Listener's dispatchRouter can look the message up against the right
// local connection.
func NewEndpoint(listener *Listener, selfUserID, selfClientID, peerUserID, peerClientID, peerHost string, peerPort int) *Endpoint {
	return &Endpoint{
		client:         listener.Client,
		selfUserID:     selfUserID,
		selfClientID:   selfClientID,
		peerUserID:     peerUserID,
		peerClientID:   peerClientID,
		peerHost:       peerHost,
		peerPort:       peerPort,
		requestTimeout: 5 * time.Second,
	}
}

// buildRequest constructs the MESSAGE request carrying wire as its
// body, with the request-URI and To header addressed to the peer
// (e.peerUserID, e.peerClientID) and the From header identifying this
// endpoint (e.selfUserID, e.selfClientID). Split out from Send so the
// addressing logic can be checked without a live transaction.
func (e *Endpoint) buildRequest(wire string) *sip.Request {
	target := sip.Uri{Scheme: "sip", User: encodeIdentity(e.peerUserID, e.peerClientID), Host: e.peerHost, Port: e.peerPort}
	req := sip.NewRequest(sip.MESSAGE, target)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.NewString()[:8])
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: encodeIdentity(e.selfUserID, e.selfClientID), Host: e.peerHost},
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: target})
	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.MESSAGE})
	ct := sip.ContentTypeHeader(contentType)
	req.AppendHeader(&ct)
	req.SetBody([]byte(wire))
	req.SetDestination(fmt.Sprintf("%s:%d", e.peerHost, e.peerPort))
	return req
}

// Send implements conn.Transport by issuing a SIP MESSAGE transaction
// carrying wire as the body. It returns once a final response arrives
// or the per-request timeout elapses; it never synchronously invokes
// anything on the receiving side (requests cross the network), so it
// cannot deadlock a connection's own lock.
func (e *Endpoint) Send(ctx context.Context, wire string) error {
	req := e.buildRequest(wire)

	reqCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	tx, err := e.client.TransactionRequest(reqCtx, req)
	if err != nil {
		return fmt.Errorf("sipmsg: send MESSAGE: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case resp := <-tx.Responses():
			if resp != nil && resp.StatusCode < 200 {
				continue // provisional; wait for the final response
			}
			if resp == nil || resp.StatusCode >= 300 {
				return fmt.Errorf("sipmsg: MESSAGE rejected: %v", resp)
			}
			return nil
		case <-tx.Done():
			return fmt.Errorf("sipmsg: MESSAGE transaction ended without response")
		case <-reqCtx.Done():
			return reqCtx.Err()
		}
	}
}
