package turnstate

// TurnState says who currently owns a session's floor.
type TurnState int

const (
	Idle TurnState = iota
	Debouncing
	Generating
	AwaitingUser
)

func (s TurnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Debouncing:
		return "debouncing"
	case Generating:
		return "generating"
	case AwaitingUser:
		return "awaiting_user"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s TurnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event is an input to the turn state machine.
type Event int

const (
	UserMessage Event = iota
	WindowClosed
	LockAcquired
	TurnDelivered
	TurnAborted
	AwaitExpired
)

func (e Event) String() string {
	switch e {
	case UserMessage:
		return "user_message"
	case WindowClosed:
		return "window_closed"
	case LockAcquired:
		return "lock_acquired"
	case TurnDelivered:
		return "turn_delivered"
	case TurnAborted:
		return "turn_aborted"
	case AwaitExpired:
		return "await_expired"
	default:
		return "unknown"
	}
}

// Next returns the state reached from s on e. The second result is false when
// e is not accepted in s, in which case s is returned unchanged.
//
// A user message never leaves Generating: the running turn finishes and the
// new window is observed once the lock is released.
func Next(s TurnState, e Event) (TurnState, bool) {
	switch s {
	case Idle:
		switch e {
		case UserMessage:
			return Debouncing, true
		case LockAcquired:
			return Generating, true
		}
	case Debouncing:
		switch e {
		case UserMessage:
			return Debouncing, true
		case WindowClosed:
			return Idle, true
		}
	case Generating:
		switch e {
		case UserMessage:
			return Generating, true
		case TurnDelivered:
			return AwaitingUser, true
		case TurnAborted:
			return Idle, true
		}
	case AwaitingUser:
		switch e {
		case UserMessage:
			return Debouncing, true
		case AwaitExpired:
			return Idle, true
		case LockAcquired:
			return Generating, true
		}
	}
	return s, false
}
