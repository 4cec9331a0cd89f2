package supervisor

import (
	"sync/atomic"
	"time"
)

// Heartbeat is the liveness signal a worker refreshes from its event
// loop. The health monitor treats a stale heartbeat as a crash.
type Heartbeat struct {
	lastBeat atomic.Int64
}

// NewHeartbeat returns a heartbeat primed at the current time.
func NewHeartbeat() *Heartbeat {
	h := &Heartbeat{}
	h.Beat()
	return h
}

// Beat refreshes the liveness timestamp.
func (h *Heartbeat) Beat() {
	h.lastBeat.Store(time.Now().UnixNano())
}

// Last returns the time of the most recent beat.
func (h *Heartbeat) Last() time.Time {
	return time.Unix(0, h.lastBeat.Load())
}

// StaleFor reports whether the heartbeat is older than timeout.
func (h *Heartbeat) StaleFor(timeout time.Duration) bool {
	return time.Since(h.Last()) > timeout
}
