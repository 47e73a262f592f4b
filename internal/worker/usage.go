package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cellfn/credits-gateway/internal/kafka"
	"github.com/cellfn/credits-gateway/internal/logger"
	"github.com/cellfn/credits-gateway/internal/metrics"
	"github.com/cellfn/credits-gateway/internal/model"
	"go.uber.org/zap"
)

// entrySource is the slice of the Kafka consumer the projector needs.
type entrySource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// usageSink receives entry batches; the ClickHouse repository implements it.
type usageSink interface {
	BatchInsert(ctx context.Context, rows []model.EntryEnvelope) error
}

// UsageProjector tails the entries topic and mirrors every ledger entry into
// ClickHouse for reporting. Offsets are committed only after a batch lands,
// so a crash replays the uncommitted tail; the usage table dedupes replayed
// rows by entry id.
type UsageProjector struct {
	Source entrySource
	Sink   usageSink

	BatchSize int           // default 500
	BatchWait time.Duration // default 500ms
}

func NewUsageProjector(src entrySource, sink usageSink, batchSize int, batchWait time.Duration) *UsageProjector {
	return &UsageProjector{
		Source:    src,
		Sink:      sink,
		BatchSize: batchSize,
		BatchWait: batchWait,
	}
}

// Run blocks until ctx is cancelled or a flush fails. A flush failure is
// returned to the caller: the offsets in question were never committed, so
// restarting the worker resumes from the last durable batch.
func (w *UsageProjector) Run(ctx context.Context) error {
	if w.BatchSize <= 0 {
		w.BatchSize = 500
	}
	if w.BatchWait <= 0 {
		w.BatchWait = 500 * time.Millisecond
	}

	msgCh := make(chan kafka.Message, w.BatchSize)

	// fetcher
	go func() {
		defer close(msgCh)
		for {
			if ctx.Err() != nil {
				return
			}
			m, err := w.Source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Log.Error("usage fetch failed", zap.Error(err))
				time.Sleep(200 * time.Millisecond)
				continue
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	rows := make([]model.EntryEnvelope, 0, w.BatchSize)
	msgs := make([]kafka.Message, 0, w.BatchSize)

	flush := func() error {
		if len(msgs) == 0 {
			return nil
		}
		if len(rows) > 0 {
			if err := w.Sink.BatchInsert(ctx, rows); err != nil {
				return fmt.Errorf("usage batch insert: %w", err)
			}
			for i := range rows {
				metrics.EntriesTotal.WithLabelValues(rows[i].Reason).Inc()
			}
		}
		if err := w.Source.Commit(ctx, msgs...); err != nil {
			return fmt.Errorf("usage commit offsets: %w", err)
		}
		logger.Log.Debug("usage batch flushed",
			zap.Int("rows", len(rows)),
			zap.Int("messages", len(msgs)),
		)
		rows = rows[:0]
		msgs = msgs[:0]
		return nil
	}

	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			// uncommitted messages replay on the next start
			return nil

		case m, ok := <-msgCh:
			if !ok {
				return nil
			}
			var env model.EntryEnvelope
			if err := json.Unmarshal(m.Value, &env); err != nil || env.EntryID == "" {
				// poison message: commit it so the group does not wedge
				logger.Log.Warn("skipping undecodable entry message",
					zap.Error(err),
					zap.Int64("offset", m.Offset),
					zap.Int("partition", m.Partition),
				)
				msgs = append(msgs, m)
				continue
			}
			rows = append(rows, env)
			msgs = append(msgs, m)
			if len(msgs) >= w.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-tick.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
