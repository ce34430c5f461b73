package session

import "time"

// Recorder receives session measurements. The metrics package provides a
// Prometheus implementation.
type Recorder interface {
	// ObserveRequest records the outcome ("ok", "timeout", ...) and the time
	// from dequeue to resolution.
	ObserveRequest(result string, elapsed time.Duration)
	// IncReconnects counts reconnect attempts.
	IncReconnects()
	// IncEvents counts received event lines.
	IncEvents()
	// SetState records the current connection state.
	SetState(state ConnectionState)
	// SetQueueDepth records how many requests wait behind the one in flight.
	SetQueueDepth(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(string, time.Duration) {}
func (nopRecorder) IncReconnects()                       {}
func (nopRecorder) IncEvents()                           {}
func (nopRecorder) SetState(ConnectionState)             {}
func (nopRecorder) SetQueueDepth(int)                    {}
