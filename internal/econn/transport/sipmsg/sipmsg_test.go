package sipmsg

import "testing"

func TestEncodeDecodeIdentityRoundTrip(t *testing.T) {
	wantUser, wantClient := "alice", "c1"
	user := encodeIdentity(wantUser, wantClient)

	gotUser, gotClient, ok := decodeIdentity(user)
	if !ok {
		t.Fatalf("decodeIdentity(%q): expected ok", user)
	}
	if gotUser != wantUser || gotClient != wantClient {
		t.Errorf("decodeIdentity(%q) = (%q, %q), want (%q, %q)", user, gotUser, gotClient, wantUser, wantClient)
	}
}

func TestDecodeIdentityRejectsMissingSeparator(t *testing.T) {
	if _, _, ok := decodeIdentity("alice"); ok {
		t.Error("expected decodeIdentity to reject a user part with no '!'")
	}
}

// TestEndpointAddressesPeerNotSelf guards against the routing bug
// where Send addressed the request-URI and To header at the sending
// endpoint's own identity instead of the peer's: the remote
// Listener's dispatchRouter looks a connection up by the To header's
// identity, so a MESSAGE addressed to the sender never reaches the
// receiver's connection.
func TestEndpointAddressesPeerNotSelf(t *testing.T) {
	e := &Endpoint{
		selfUserID:   "alice",
		selfClientID: "c1",
		peerUserID:   "bravo",
		peerClientID: "c2",
		peerHost:     "bravo.example.com",
		peerPort:     5070,
	}

	req := e.buildRequest(`{"version":"3.0","type":"setup","sessid":"ABCDE","resp":false}`)

	toUser, toClient, ok := decodeIdentity(req.To().Address.User)
	if !ok {
		t.Fatalf("To header user %q does not decode", req.To().Address.User)
	}
	if toUser != e.peerUserID || toClient != e.peerClientID {
		t.Errorf("To header identity = (%q, %q), want peer identity (%q, %q)", toUser, toClient, e.peerUserID, e.peerClientID)
	}

	ruUser, ruClient, ok := decodeIdentity(req.Recipient.User)
	if !ok {
		t.Fatalf("request-URI user %q does not decode", req.Recipient.User)
	}
	if ruUser != e.peerUserID || ruClient != e.peerClientID {
		t.Errorf("request-URI identity = (%q, %q), want peer identity (%q, %q)", ruUser, ruClient, e.peerUserID, e.peerClientID)
	}

	fromUser, fromClient, ok := decodeIdentity(req.From().Address.User)
	if !ok {
		t.Fatalf("From header user %q does not decode", req.From().Address.User)
	}
	if fromUser != e.selfUserID || fromClient != e.selfClientID {
		t.Errorf("From header identity = (%q, %q), want self identity (%q, %q)", fromUser, fromClient, e.selfUserID, e.selfClientID)
	}
}

func TestNewEndpointStoresPeerIdentity(t *testing.T) {
	e := NewEndpoint(&Listener{}, "alice", "c1", "bravo", "c2", "bravo.example.com", 5070)
	if e.peerUserID != "bravo" || e.peerClientID != "c2" {
		t.Errorf("NewEndpoint peer identity = (%q, %q), want (%q, %q)", e.peerUserID, e.peerClientID, "bravo", "c2")
	}
	if e.selfUserID != "alice" || e.selfClientID != "c1" {
		t.Errorf("NewEndpoint self identity = (%q, %q), want (%q, %q)", e.selfUserID, e.selfClientID, "alice", "c1")
	}
}
