package bench

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"
	"go.viam.com/utils"
)

const defaultStreamDepth = 32

// SampleStream decouples the acquisition loop from a slower consumer. Push
// never blocks; when the buffer is full the sample is dropped and counted so
// the run loop keeps its timing no matter what the consumer does.
type SampleStream struct {
	ch      chan DataPoint
	dropped atomic.Int64
	logger  golog.Logger

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
	closeOnce               sync.Once
}

// NewSampleStream makes a stream holding up to depth samples. A depth of zero
// or less selects a small default.
func NewSampleStream(depth int, logger golog.Logger) *SampleStream {
	if depth <= 0 {
		depth = defaultStreamDepth
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &SampleStream{
		ch:         make(chan DataPoint, depth),
		logger:     logger,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
}

// Push hands a sample to the consumer without blocking. Suitable to pass
// directly as the live sample callback of a test run.
func (s *SampleStream) Push(pt DataPoint) {
	select {
	case s.ch <- pt:
	default:
		s.dropped.Add(1)
	}
}

// Observe runs fn for every streamed sample on a background worker until the
// stream is closed. fn must not be nil.
func (s *SampleStream) Observe(fn func(DataPoint)) {
	s.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		for {
			select {
			case <-s.cancelCtx.Done():
				return
			case pt := <-s.ch:
				fn(pt)
			}
		}
	}, s.activeBackgroundWorkers.Done)
}

// Dropped reports how many samples were discarded because the buffer was full.
func (s *SampleStream) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the consumer and waits for it to exit. Samples still queued are
// discarded.
func (s *SampleStream) Close() {
	s.closeOnce.Do(func() {
		s.cancelFunc()
		s.activeBackgroundWorkers.Wait()
		if n := s.Dropped(); n > 0 {
			s.logger.Debugw("stream dropped samples", "count", n)
		}
	})
}
