package session

// State is the lifecycle position of a session. Transitions only move
// forward, except Rekeying which returns to Active.
type State int

const (
	StateAwaitingHardReset State = iota
	StateHandshakeInProgress
	StateActive
	StateRekeying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHardReset:
		return "awaiting_hard_reset"
	case StateHandshakeInProgress:
		return "handshake"
	case StateActive:
		return "active"
	case StateRekeying:
		return "rekeying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason says why a session was torn down.
type CloseReason int

const (
	CloseRequested CloseReason = iota
	CloseIdle
	CloseHandshakeTimeout
	CloseUnreachable
	CloseProtocolViolation
	CloseFatal
	CloseShutdown
)

func (r CloseReason) String() string {
	switch r {
	case CloseRequested:
		return "requested"
	case CloseIdle:
		return "idle_timeout"
	case CloseHandshakeTimeout:
		return "handshake_timeout"
	case CloseUnreachable:
		return "unreachable"
	case CloseProtocolViolation:
		return "protocol_violation"
	case CloseFatal:
		return "fatal"
	case CloseShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// OutcomeKind tells the caller what handling a packet or a tick produced.
type OutcomeKind int

const (
	// OutcomeNone: nothing to do.
	OutcomeNone OutcomeKind = iota
	// OutcomeData: Data holds a decrypted tunnel payload.
	OutcomeData
	// OutcomeControl: the control channel progressed; Send may hold packets.
	OutcomeControl
	// OutcomeClosed: the session is gone; Send holds its final packets.
	OutcomeClosed
	// OutcomeError: the packet was dropped; Err says why.
	OutcomeError
)

type Outcome struct {
	Kind OutcomeKind
	Data []byte
	Send [][]byte
	Err  error
}
