package syncworker

import (
	"context"
	"sync"
	"time"
)

// Scheduler runs periodic tasks until cancelled
type Scheduler interface {
	ScheduleRepeating(interval time.Duration, task func(ctx context.Context))
	CancelAll()
}

// TickerScheduler runs each task immediately and then on a ticker
type TickerScheduler struct {
	mu      sync.Mutex
	parent  context.Context
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewTickerScheduler creates a scheduler whose tasks stop when parent is done
func NewTickerScheduler(parent context.Context) *TickerScheduler {
	return &TickerScheduler{parent: parent}
}

// ScheduleRepeating starts task now and every interval after
func (s *TickerScheduler) ScheduleRepeating(interval time.Duration, task func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.parent)
	s.cancels = append(s.cancels, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		task(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task(ctx)
			}
		}
	}()
}

// CancelAll stops every scheduled task and waits for running ones to return
func (s *TickerScheduler) CancelAll() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
}
