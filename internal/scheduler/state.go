package scheduler

// State is the scheduler lifecycle position.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateSubmitting
	StateRunning
	StatePausing
	StateCompleting
	StateRetrying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateSubmitting:
		return "submitting"
	case StateRunning:
		return "running"
	case StatePausing:
		return "pausing"
	case StateCompleting:
		return "completing"
	case StateRetrying:
		return "retrying"
	}
	return "unknown"
}
