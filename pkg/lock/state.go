package lock

// State of one operation's interaction with the coordinator.
type State int

const (
	Idle State = iota
	Polling
	Held
	Releasing
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Held:
		return "held"
	case Releasing:
		return "releasing"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
