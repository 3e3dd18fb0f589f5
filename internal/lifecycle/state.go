package lifecycle

// State is the position of one instance in its lifecycle.
type State int

const (
	StateInit State = iota
	StateAllocated
	StateOverlaid
	StateLaunched
	StateBooting
	StateReady
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = [...]string{
	StateInit:      "Init",
	StateAllocated: "Allocated",
	StateOverlaid:  "Overlaid",
	StateLaunched:  "Launched",
	StateBooting:   "Booting",
	StateReady:     "Ready",
	StateStopping:  "Stopping",
	StateStopped:   "Stopped",
	StateFailed:    "Failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}
