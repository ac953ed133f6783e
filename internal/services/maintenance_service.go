package services

import (
	"context"
	"sync"
	"time"

	"github.com/kioskfleet/fleet/internal/observability"
)

// MaintenanceStatus represents the current status of maintenance tasks
type MaintenanceStatus struct {
	Running          bool      `json:"running"`
	Enabled          bool      `json:"enabled"`
	LastRun          time.Time `json:"lastRun,omitempty"`
	LastRunDuration  string    `json:"lastRunDuration,omitempty"`
	TokensRemoved    int       `json:"tokensRemoved"`
	Errors           []string  `json:"errors,omitempty"`
	NextScheduledRun time.Time `json:"nextScheduledRun,omitempty"`
}

// ExpiredTokenCollector removes expired enrollment codes
type ExpiredTokenCollector interface {
	CollectExpired(ctx context.Context) (int, error)
}

// MaintenanceService periodically garbage-collects expired enrollment codes
type MaintenanceService struct {
	collector ExpiredTokenCollector
	interval  time.Duration

	mu       sync.RWMutex
	enabled  bool
	running  bool
	stopChan chan struct{}
	done     chan struct{}
	status   MaintenanceStatus
	ticker   *time.Ticker
}

// NewMaintenanceService creates a new MaintenanceService
func NewMaintenanceService(collector ExpiredTokenCollector, interval time.Duration) *MaintenanceService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &MaintenanceService{
		collector: collector,
		interval:  interval,
		stopChan:  make(chan struct{}),
		status: MaintenanceStatus{
			Errors: []string{},
		},
	}
}

// Start begins the background maintenance loop
func (s *MaintenanceService) Start() {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return // Already started
	}
	s.enabled = true
	s.status.Enabled = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	s.ticker = time.NewTicker(s.interval)
	s.status.NextScheduledRun = time.Now().Add(s.interval)
	ticker, stop, done := s.ticker, s.stopChan, s.done
	s.mu.Unlock()

	observability.Infof("Maintenance service started (runs every %s)", s.interval)

	go func() {
		defer close(done)

		// Run immediately on startup
		s.runMaintenance()

		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				s.status.NextScheduledRun = time.Now().Add(s.interval)
				s.mu.Unlock()
				s.runMaintenance()
			case <-stop:
				ticker.Stop()
				observability.Info("Maintenance service stopped")
				return
			}
		}
	}()
}

// Stop stops the maintenance loop and waits for an in-flight run to finish
func (s *MaintenanceService) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return // Already stopped
	}
	s.enabled = false
	s.status.Enabled = false
	s.ticker = nil
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
}

// IsEnabled returns whether the maintenance service is enabled
func (s *MaintenanceService) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// GetStatus returns the current maintenance status
func (s *MaintenanceService) GetStatus() MaintenanceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// RunNow performs a maintenance pass synchronously
func (s *MaintenanceService) RunNow() {
	s.runMaintenance()
}

// runMaintenance performs all maintenance tasks
func (s *MaintenanceService) runMaintenance() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		observability.Debug("Maintenance already running, skipping")
		return
	}
	s.running = true
	s.status.Running = true
	s.mu.Unlock()

	startTime := time.Now()
	ctx, span := observability.StartServiceSpan(context.Background(), "MaintenanceService", "Run")
	defer span.End()

	var errs []string
	removed, err := s.collector.CollectExpired(ctx)
	if err != nil {
		observability.RecordError(span, err)
		errs = append(errs, "Failed to collect expired registration codes: "+err.Error())
		observability.WithContext(ctx).Errorf("Maintenance: %v", err)
	}

	duration := time.Since(startTime)

	s.mu.Lock()
	s.running = false
	s.status.Running = false
	s.status.LastRun = startTime
	s.status.LastRunDuration = duration.Round(time.Millisecond).String()
	s.status.TokensRemoved = removed
	s.status.Errors = append([]string{}, errs...)
	s.mu.Unlock()

	if removed > 0 {
		observability.Infof("Maintenance: Removed %d expired registration codes", removed)
	}
	observability.Debugf("Maintenance tasks completed in %s", duration.Round(time.Millisecond))
}
