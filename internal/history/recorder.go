// Package history persists evaluation runs asynchronously.
// Recording is fire-and-forget relative to returning the decision: an
// audit log, not the system of record for the decision itself.
package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Recorder buffers evaluation history rows and writes them from a
// background worker. A full buffer drops the row (counted and logged)
// rather than blocking the decision path.
type Recorder struct {
	repo domain.Repository
	bus  domain.EventBus

	ch      chan *domain.EvaluationHistory
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	dropped atomic.Int64
}

// NewRecorder creates a recorder with the given buffer size.
func NewRecorder(repo domain.Repository, bus domain.EventBus, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		repo: repo,
		bus:  bus,
		ch:   make(chan *domain.EvaluationHistory, buffer),
	}
}

// Start launches the background writer.
func (r *Recorder) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case h, ok := <-r.ch:
				if !ok {
					return
				}
				r.write(ctx, h)
			case <-ctx.Done():
				// Drain what is already queued before exiting.
				for {
					select {
					case h := <-r.ch:
						r.write(context.Background(), h)
					default:
						return
					}
				}
			}
		}
	}()
}

// Record enqueues one history row. Never blocks.
func (r *Recorder) Record(h *domain.EvaluationHistory) {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	select {
	case r.ch <- h:
	default:
		n := r.dropped.Add(1)
		slog.Warn("evaluation history buffer full, row dropped",
			"tenant_id", h.TenantID,
			"target_id", h.TargetID,
			"dropped_total", n,
		)
	}
}

// Dropped returns the count of rows lost to a full buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Stop drains the queue and stops the worker.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Recorder) write(ctx context.Context, h *domain.EvaluationHistory) {
	if r.repo != nil {
		if err := r.repo.SaveEvaluationHistory(ctx, h.TenantID, h); err != nil {
			slog.Error("failed to save evaluation history",
				"tenant_id", h.TenantID,
				"history_id", h.ID,
				"error", err,
			)
		}
	}

	if r.bus != nil {
		payload, err := json.Marshal(h)
		if err != nil {
			return
		}
		if err := r.bus.Publish(ctx, h.TenantID, domain.TopicDecision, payload); err != nil {
			slog.Error("failed to publish decision event",
				"tenant_id", h.TenantID,
				"history_id", h.ID,
				"error", err,
			)
		}
	}
}
