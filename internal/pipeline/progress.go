package pipeline

import "uxrmate/internal/queue"

// PairEvent reports one pair's lifecycle movement.
type PairEvent struct {
	BatchID   string
	PairID    int64
	MediaID   int64
	Criterion string
	Status    queue.Status
	Message   string
	Percent   float64
	Skipped   bool
	Err       error
}

// BatchEvent reports aggregate batch movement after a pair settles.
type BatchEvent struct {
	BatchID   string
	Total     int
	Completed int
	Failed    int
	Cost      float64
}

// ProgressSink receives pipeline progress. Implementations must not
// block; events are emitted from worker goroutines.
type ProgressSink interface {
	PairProgress(PairEvent)
	BatchProgress(BatchEvent)
}

type nopSink struct{}

func (nopSink) PairProgress(PairEvent)   {}
func (nopSink) BatchProgress(BatchEvent) {}

// NopSink returns a sink that discards all events.
func NopSink() ProgressSink { return nopSink{} }
