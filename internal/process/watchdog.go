package process

import (
	"context"
	"time"

	"github.com/commandmesh/platform/pkg/logger"
	"go.uber.org/zap"
)

// Watchdog periodically reports process instances that have sat in
// RUNNING or COMPENSATING past stepAge without an update - the reply
// that would have advanced them never arrived. It only logs and
// leaves resolution to an operator: unlike the outbox relay, which
// owns redelivery, a stuck saga step might mean the downstream command
// is still legitimately in flight, so auto-resubmitting it here could
// double-run a side effect the command's own retry budget already
// covers.
type Watchdog struct {
	store    *Store
	interval time.Duration
	stepAge  time.Duration
	log      *logger.Logger
}

func NewWatchdog(store *Store, interval, stepAge time.Duration, log *logger.Logger) *Watchdog {
	return &Watchdog{store: store, interval: interval, stepAge: stepAge, log: log}
}

// Run ticks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-w.stepAge)
	stalled, err := w.store.ListStalled(ctx, cutoff)
	if err != nil {
		w.log.Error("watchdog sweep failed", zap.Error(err))
		return
	}
	for _, inst := range stalled {
		w.log.Warn("process instance stalled",
			zap.String("processId", inst.ProcessID),
			zap.String("processType", inst.ProcessType),
			zap.String("step", inst.CurrentStep),
			zap.String("status", string(inst.Status)),
			zap.Time("updatedAt", inst.UpdatedAt))
	}
}
