package conn

import "fmt"

// State is the connection's signaling state. Initial state is Idle;
// Terminating is absorbing.
type State int

const (
	Idle State = iota
	PendingOutgoing
	PendingIncoming
	ConflictResolution
	Answered
	DatachanEstablished
	UpdateSent
	UpdateRecv
	HangupSent
	HangupRecv
	Terminating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case PendingOutgoing:
		return "PENDING_OUTGOING"
	case PendingIncoming:
		return "PENDING_INCOMING"
	case ConflictResolution:
		return "CONFLICT_RESOLUTION"
	case Answered:
		return "ANSWERED"
	case DatachanEstablished:
		return "DATACHAN_ESTABLISHED"
	case UpdateSent:
		return "UPDATE_SENT"
	case UpdateRecv:
		return "UPDATE_RECV"
	case HangupSent:
		return "HANGUP_SENT"
	case HangupRecv:
		return "HANGUP_RECV"
	case Terminating:
		return "TERMINATING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// IsTerminal reports whether s is the absorbing Terminating state.
func (s State) IsTerminal() bool {
	return s == Terminating
}

// Direction records which side initiated the call.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionIncoming
	DirectionOutgoing
)

func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "incoming"
	case DirectionOutgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// Conflict records the diagnostic outcome of glare resolution.
type Conflict int

const (
	ConflictNone Conflict = iota
	ConflictWinner
	ConflictLoser
)

func (c Conflict) String() string {
	switch c {
	case ConflictWinner:
		return "winner"
	case ConflictLoser:
		return "loser"
	default:
		return "none"
	}
}
