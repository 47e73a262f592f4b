package worker

import (
	"context"
	"time"

	"github.com/cellfn/credits-gateway/internal/logger"
	"github.com/cellfn/credits-gateway/internal/metrics"
	"go.uber.org/zap"
)

// ExpiredReleaser frees overdue holds in batches; the debit coordinator
// implements it.
type ExpiredReleaser interface {
	ReleaseExpired(ctx context.Context, batch int) (int, error)
}

// Sweeper returns credits held by reservations whose caller never came back:
// a crashed request, a lost commit, a client that gave up. It runs beside the
// API servers, so holds expire even when no request traffic arrives.
type Sweeper struct {
	Debit    ExpiredReleaser
	Interval time.Duration
	Batch    int
}

func NewSweeper(debitSvc ExpiredReleaser, interval time.Duration, batch int) *Sweeper {
	return &Sweeper{
		Debit:    debitSvc,
		Interval: interval,
		Batch:    batch,
	}
}

// Run blocks until ctx is cancelled, sweeping every Interval.
func (w *Sweeper) Run(ctx context.Context) error {
	if w.Interval <= 0 {
		w.Interval = time.Minute
	}
	if w.Batch <= 0 {
		w.Batch = 100
	}

	tick := time.NewTicker(w.Interval)
	defer tick.Stop()

	// first pass immediately, so a restart backlog is not stuck for a tick
	w.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			w.sweepOnce(ctx)
		}
	}
}

// sweepOnce drains the backlog in Batch-sized passes. A full batch means
// there may be more behind it; a short one means done.
func (w *Sweeper) sweepOnce(ctx context.Context) {
	total := 0
	for {
		n, err := w.Debit.ReleaseExpired(ctx, w.Batch)
		if err != nil {
			logger.Log.Error("reservation sweep failed",
				zap.Error(err),
				zap.Int("released_before_failure", total+n),
			)
			return
		}
		total += n
		if n > 0 {
			metrics.ReservationsTotal.WithLabelValues("expired").Add(float64(n))
		}
		if n < w.Batch {
			break
		}
	}

	if total > 0 {
		logger.Log.Info("released expired reservations", zap.Int("count", total))
	}
}
