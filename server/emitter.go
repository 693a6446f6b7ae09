package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"codekudos/distributor"
	"codekudos/models"
)

// Dispatcher reacts to lifecycle notifications from the approval engine by
// scheduling distribution off the request path. The HR approval response
// returns immediately; the transfer itself runs on a detached context so a
// closed client connection cannot abort a submitted transaction.
type Dispatcher struct {
	processor *distributor.Processor
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewDispatcher constructs a dispatcher around the processor.
func NewDispatcher(processor *distributor.Processor, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Dispatcher{processor: processor, timeout: timeout}
}

// ApprovalRecorded implements rewards.Emitter.
func (d *Dispatcher) ApprovalRecorded(ctx context.Context, reward models.Reward, role string) {
	slog.Info("approval notification", "reward", reward.ID, "role", role, "status", reward.Status)
}

// ReadyForDistribution implements rewards.Emitter.
func (d *Dispatcher) ReadyForDistribution(_ context.Context, rewardID uuid.UUID) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if _, err := d.processor.Distribute(ctx, rewardID); err != nil {
			// Left for the operator endpoint or the reconciler; the reward
			// stays fully_approved.
			slog.Warn("scheduled distribution failed", "reward", rewardID, "err", err)
		}
	}()
}

// Wait blocks until all in-flight scheduled distributions finish. Called
// during shutdown and by tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
