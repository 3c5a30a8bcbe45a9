package session

// State is the session lifecycle state.
type State int

const (
	// StateStopped means no tunnel exists. The session may carry the
	// error it stopped with.
	StateStopped State = iota
	// StateStarting means start is resolving credentials, verifying
	// entitlement, and bringing the engine up.
	StateStarting
	// StateConnected means the tunnel is established and the background
	// loops are armed.
	StateConnected
	// StateReasserting means a reconfiguration (migration or update) is
	// in progress on a live tunnel.
	StateReasserting
	// StateStopping means teardown is in progress.
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateReasserting:
		return "reasserting"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}
