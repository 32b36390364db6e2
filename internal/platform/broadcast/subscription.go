package broadcast

import (
	"context"
	"sync"
)

// loopSubscription runs a receive loop in its own goroutine and stops it on
// Close or when the parent context ends.
type loopSubscription struct {
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	release func() error
	err     error
}

func startLoop(ctx context.Context, run func(ctx context.Context), release func() error) *loopSubscription {
	lctx, cancel := context.WithCancel(ctx)
	s := &loopSubscription{
		cancel:  cancel,
		done:    make(chan struct{}),
		release: release,
	}
	go func() {
		defer close(s.done)
		run(lctx)
	}()
	return s
}

func (s *loopSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		if s.release != nil {
			s.err = s.release()
		}
	})
	return s.err
}
