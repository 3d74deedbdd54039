package syncer

// State is the lifecycle state of a Coordinator.
//
// The machine is UNINITIALIZED -> CONNECTED <-> DEGRADED -> STOPPED.
// UNINITIALIZED is terminal when sync is disabled or the first connect
// fails; STOPPED is always terminal.
type State int32

const (
	StateUninitialized State = iota
	StateConnected
	StateDegraded
	StateStopped
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateConnected:
		return "CONNECTED"
	case StateDegraded:
		return "DEGRADED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
