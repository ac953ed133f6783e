// Package syncworker collects device telemetry into the local queue and
// relays it to the server.
package syncworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kioskfleet/fleet/internal/agent/queue"
	"github.com/kioskfleet/fleet/internal/models"
	"github.com/kioskfleet/fleet/internal/observability"
)

// DefaultInterval is how often the collect and flush cycle runs
const DefaultInterval = 15 * time.Minute

// ErrCycleInProgress is returned by Collect while another cycle holds the queue
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// Queue is the durable local store the worker drains
type Queue interface {
	Enqueue(ctx context.Context, records []queue.Record) error
	Snapshot(ctx context.Context) ([]queue.Record, error)
	Delete(ctx context.Context, ids []int64) error
}

// Shipper delivers one telemetry batch to the server
type Shipper interface {
	SendTelemetry(ctx context.Context, req models.IngestTelemetryRequest) (int, error)
}

// Provider yields timestamped samples of one type
type Provider interface {
	Name() string
	Collect(ctx context.Context) ([]queue.Record, error)
}

// Session identifies who the batch belongs to
type Session struct {
	UserID   string
	DeviceID string
}

// SessionFunc returns the active session, or false when logged out
type SessionFunc func(ctx context.Context) (Session, bool)

// FlushResult describes one flush attempt
type FlushResult struct {
	Sent    int
	Failed  bool
	Skipped bool
	Err     error
}

// Worker runs collection and flush cycles. At most one cycle touches the
// queue at a time; a cycle started while another runs is skipped.
type Worker struct {
	queue     Queue
	shipper   Shipper
	session   SessionFunc
	providers []Provider
	timeout   time.Duration
	cycle     sync.Mutex
}

// NewWorker creates a worker. A non-positive timeout means 30 seconds.
func NewWorker(q Queue, shipper Shipper, session SessionFunc, timeout time.Duration, providers ...Provider) *Worker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Worker{
		queue:     q,
		shipper:   shipper,
		session:   session,
		providers: providers,
		timeout:   timeout,
	}
}

// AddProvider registers another sample provider
func (w *Worker) AddProvider(p Provider) {
	w.cycle.Lock()
	defer w.cycle.Unlock()
	w.providers = append(w.providers, p)
}

// Collect gathers samples from every provider and enqueues them as one batch
func (w *Worker) Collect(ctx context.Context) (int, error) {
	if !w.cycle.TryLock() {
		return 0, ErrCycleInProgress
	}
	defer w.cycle.Unlock()
	return w.collect(ctx)
}

// Flush sends the whole queue as one batch and deletes what was sent
func (w *Worker) Flush(ctx context.Context) FlushResult {
	if !w.cycle.TryLock() {
		return FlushResult{Skipped: true}
	}
	defer w.cycle.Unlock()
	return w.flush(ctx)
}

// RunCycle collects then flushes without letting another cycle interleave.
// It is both the scheduled task and the manual sync trigger.
func (w *Worker) RunCycle(ctx context.Context) FlushResult {
	if !w.cycle.TryLock() {
		observability.Debug("Sync cycle skipped, another is running")
		return FlushResult{Skipped: true}
	}
	defer w.cycle.Unlock()

	if _, err := w.collect(ctx); err != nil {
		observability.Warnf("Telemetry collection failed: %v", err)
	}
	return w.flush(ctx)
}

func (w *Worker) collect(ctx context.Context) (int, error) {
	var batch []queue.Record
	for _, p := range w.providers {
		records, err := p.Collect(ctx)
		if err != nil {
			observability.WithField("provider", p.Name()).Warnf("Provider failed: %v", err)
			continue
		}
		batch = append(batch, records...)
	}

	if len(batch) == 0 {
		return 0, nil
	}
	if err := w.queue.Enqueue(ctx, batch); err != nil {
		return 0, fmt.Errorf("failed to enqueue %d samples: %w", len(batch), err)
	}
	observability.Debugf("Collected %d telemetry samples", len(batch))
	return len(batch), nil
}

func (w *Worker) flush(ctx context.Context) FlushResult {
	session, ok := w.session(ctx)
	if !ok {
		return FlushResult{Skipped: true}
	}

	snapshot, err := w.queue.Snapshot(ctx)
	if err != nil {
		return FlushResult{Failed: true, Err: err}
	}
	if len(snapshot) == 0 {
		return FlushResult{}
	}

	req := models.IngestTelemetryRequest{
		UserID:   session.UserID,
		DeviceID: session.DeviceID,
		Events:   make([]models.TelemetryEventInput, 0, len(snapshot)),
	}
	ids := make([]int64, 0, len(snapshot))
	for _, r := range snapshot {
		req.Events = append(req.Events, models.TelemetryEventInput{
			Type:      r.Type,
			Data:      r.Payload,
			Timestamp: r.CapturedAt.UnixMilli(),
		})
		ids = append(ids, r.LocalID)
	}

	// A flush completes or fails as a unit, even when the cycle is cancelled
	ctx = context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if _, err := w.shipper.SendTelemetry(sendCtx, req); err != nil {
		observability.WithField("device_id", session.DeviceID).
			Warnf("Telemetry flush failed, keeping %d records: %v", len(snapshot), err)
		return FlushResult{Failed: true, Err: err}
	}

	if err := w.queue.Delete(ctx, ids); err != nil {
		// The server has the batch; these records will be sent again
		observability.Errorf("Failed to delete %d flushed records: %v", len(ids), err)
		return FlushResult{Sent: len(ids), Err: err}
	}

	observability.WithField("device_id", session.DeviceID).Infof("Flushed %d telemetry records", len(ids))
	return FlushResult{Sent: len(ids)}
}
