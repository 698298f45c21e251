package pump

import "sync"

type State int

const (
	Idle State = iota
	Running
	Flushing
	Error
	// EndOfStream is reached once the stream was fully delivered. A seek
	// restarts the worker from it.
	EndOfStream
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Flushing:
		return "flushing"
	case Error:
		return "error"
	case EndOfStream:
		return "eos"
	default:
		return "unknown"
	}
}

// stateCell is the only place the run state lives. Every transition goes
// through its lock.
type stateCell struct {
	mu    sync.Mutex
	state State
}

func (c *stateCell) Load() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *stateCell) Swap(s State) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.state
	c.state = s
	return old
}

func (c *stateCell) CompareAndSwap(old, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != old {
		return false
	}
	c.state = s
	return true
}

// Reconcile merges the result of a worker iteration with the current state
// and returns the state the worker has to act on. A non-running result
// always replaces Running. A running result never overrides a state set
// concurrently by the control side, such as Flushing.
func (c *stateCell) Reconcile(result State) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Running || result != Running {
		// Control transitions to Idle win over results of a stale iteration.
		if c.state == Idle {
			return Idle
		}
		c.state = result
		return result
	}
	return c.state
}
