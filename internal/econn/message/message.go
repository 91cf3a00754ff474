// Package message defines the econn wire envelope and its JSON codec.
// The envelope is a small, versioned tagged record; econn never parses
// the SDP payload it carries.
package message

import (
	"encoding/json"
	"time"

	"github.com/sebas/econn/internal/econn/errs"
	"github.com/sebas/econn/internal/econn/props"
)

// Version is the only wire protocol version this codec understands.
// There is no forward-compatibility negotiation: a mismatch is a
// PROTOCOL error.
const Version = "3.0"

// Type identifies the kind of signaling message.
type Type string

const (
	Setup    Type = "setup"
	Update   Type = "update"
	Cancel   Type = "cancel"
	Hangup   Type = "hangup"
	Propsync Type = "propsync"
)

func (t Type) valid() bool {
	switch t {
	case Setup, Update, Cancel, Hangup, Propsync:
		return true
	default:
		return false
	}
}

// Message is the decoded, tagged record exchanged between two econn
// endpoints.
type Message struct {
	Type            Type
	SessionIDSender string
	IsResponse      bool

	// Time and Age are populated on Decode from the (curr_time, msg_time)
	// the caller supplies; Encode never sets them.
	Time time.Time
	Age  time.Duration

	// SDP is present for Setup and Update.
	SDP string

	// Props is optional for Setup/Update and mandatory for Propsync.
	Props props.Dict
}

// wireEnvelope is the literal JSON shape on the wire.
type wireEnvelope struct {
	Version string      `json:"version"`
	Type    string      `json:"type"`
	SessID  string      `json:"sessid"`
	Resp    bool        `json:"resp"`
	SDP     string      `json:"sdp,omitempty"`
	Props   props.Dict  `json:"props,omitempty"`
}

// Encode produces a fresh wire string for msg.
func Encode(msg *Message) (string, error) {
	if msg == nil {
		return "", errs.New(errs.InvalidArg, "encode", "nil message")
	}
	if !msg.Type.valid() {
		return "", errs.New(errs.BadMessage, "encode", "unknown message type")
	}
	if msg.SessionIDSender == "" {
		return "", errs.New(errs.InvalidArg, "encode", "missing sessionIdSender")
	}
	if msg.Type == Propsync && len(msg.Props) == 0 {
		return "", errs.New(errs.InvalidArg, "encode", "propsync requires props")
	}

	env := wireEnvelope{
		Version: Version,
		Type:    string(msg.Type),
		SessID:  msg.SessionIDSender,
		Resp:    msg.IsResponse,
		SDP:     msg.SDP,
		Props:   msg.Props,
	}

	b, err := json.Marshal(env)
	if err != nil {
		return "", errs.New(errs.BadMessage, "encode", err.Error())
	}
	return string(b), nil
}

// Decode parses bytes into a Message. currTime and msgTime drive the
// Age calculation: Age is zero for messages that claim a future
// timestamp (clock skew), otherwise currTime - msgTime.
func Decode(currTime, msgTime time.Time, data []byte) (*Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.New(errs.BadMessage, "decode", err.Error())
	}

	if env.Version == "" || env.Type == "" || env.SessID == "" {
		return nil, errs.New(errs.BadMessage, "decode", "missing required field")
	}
	if env.Version != Version {
		return nil, errs.New(errs.Protocol, "decode", "unsupported version "+env.Version)
	}

	t := Type(env.Type)
	if !t.valid() {
		return nil, errs.New(errs.BadMessage, "decode", "unknown message type "+env.Type)
	}

	if t == Propsync && len(env.Props) == 0 {
		return nil, errs.New(errs.BadMessage, "decode", "propsync requires props")
	}

	age := time.Duration(0)
	if !msgTime.After(currTime) {
		age = currTime.Sub(msgTime)
	}

	return &Message{
		Type:            t,
		SessionIDSender: env.SessID,
		IsResponse:      env.Resp,
		Time:            msgTime,
		Age:             age,
		SDP:             env.SDP,
		Props:           env.Props,
	}, nil
}
