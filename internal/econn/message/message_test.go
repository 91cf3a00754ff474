package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebas/econn/internal/econn/errs"
	"github.com/sebas/econn/internal/econn/props"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &Message{
		Type:            Update,
		SessionIDSender: "AB3F9",
		IsResponse:      true,
		SDP:             "v=0...",
		Props:           props.Dict{"codec": "opus"},
	}

	wire, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	now := time.Now()
	got, err := Decode(now, now, []byte(wire))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Type != msg.Type || got.SessionIDSender != msg.SessionIDSender || got.IsResponse != msg.IsResponse {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, msg)
	}
	if got.SDP != msg.SDP {
		t.Errorf("SDP = %q, want %q", got.SDP, msg.SDP)
	}
	if got.Props["codec"] != "opus" {
		t.Errorf("Props[codec] = %v, want opus", got.Props["codec"])
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	_, err := Encode(&Message{Type: Type("bogus"), SessionIDSender: "X"})
	if kind, ok := errs.KindOf(err); !ok || kind != errs.BadMessage {
		t.Fatalf("Encode unknown type: got %v, want BAD_MESSAGE", err)
	}
}

func TestEncodeRejectsMissingSessionID(t *testing.T) {
	_, err := Encode(&Message{Type: Setup})
	if kind, ok := errs.KindOf(err); !ok || kind != errs.InvalidArg {
		t.Fatalf("Encode missing sessid: got %v, want INVALID_ARG", err)
	}
}

func TestEncodeRejectsEmptyPropsync(t *testing.T) {
	_, err := Encode(&Message{Type: Propsync, SessionIDSender: "X"})
	if kind, ok := errs.KindOf(err); !ok || kind != errs.InvalidArg {
		t.Fatalf("Encode empty propsync: got %v, want INVALID_ARG", err)
	}
}

func TestDecodeRejectsMismatchedVersion(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"version": "1.0",
		"type":    "setup",
		"sessid":  "AAAAA",
	})
	_, err := Decode(time.Now(), time.Now(), raw)
	if kind, ok := errs.KindOf(err); !ok || kind != errs.Protocol {
		t.Fatalf("Decode wrong version: got %v, want PROTOCOL", err)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"version": Version})
	_, err := Decode(time.Now(), time.Now(), raw)
	if kind, ok := errs.KindOf(err); !ok || kind != errs.BadMessage {
		t.Fatalf("Decode missing fields: got %v, want BAD_MESSAGE", err)
	}
}

func TestDecodeRejectsPropsyncWithoutProps(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"version": Version,
		"type":    "propsync",
		"sessid":  "AAAAA",
	})
	_, err := Decode(time.Now(), time.Now(), raw)
	if kind, ok := errs.KindOf(err); !ok || kind != errs.BadMessage {
		t.Fatalf("Decode propsync without props: got %v, want BAD_MESSAGE", err)
	}
}

func TestDecodeClampsFutureTimestampAgeToZero(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"version": Version,
		"type":    "setup",
		"sessid":  "AAAAA",
	})
	curr := time.Now()
	future := curr.Add(time.Hour)

	got, err := Decode(curr, future, raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Age != 0 {
		t.Errorf("Age = %v, want 0 for a message claiming a future timestamp", got.Age)
	}
}
