package maphost

// State is the lifecycle position of a Host.
type State int

// Lifecycle states. Disposed is terminal and reachable from any state.
const (
	StateConstructed State = iota
	StateAttached
	StateReady
	StateLoading
	StateLoaded
	StateDisposed
)

var stateNames = [...]string{
	StateConstructed: "constructed",
	StateAttached:    "attached",
	StateReady:       "ready",
	StateLoading:     "loading",
	StateLoaded:      "loaded",
	StateDisposed:    "disposed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
