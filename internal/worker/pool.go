package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
)

// spawnWorkerPool spawns MaxConcurrent worker goroutines for a chain
func (d *Dispatcher) spawnWorkerPool(ctx context.Context, c domain.Chain) {
	concurrency := d.settings(c).MaxConcurrent
	if concurrency < 1 {
		concurrency = 1
	}

	for i := 0; i < concurrency; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, c, i)
	}

	d.logger.Info("Worker pool spawned",
		slog.String("chain", string(c)),
		slog.Int("worker_count", concurrency),
		slog.String("worker_id", d.cfg.WorkerID),
	)
}

// workerLoop drains claimable jobs, then sleeps until a wake, the idle poll
// tick or shutdown
func (d *Dispatcher) workerLoop(ctx context.Context, c domain.Chain, workerNum int) {
	defer d.wg.Done()

	workerName := fmt.Sprintf("%s-%s-%d", d.cfg.WorkerID, c, workerNum)
	wake := d.wakeChan(c)

	ticker := time.NewTicker(d.cfg.IdlePollInterval)
	defer ticker.Stop()

	d.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	for {
		for {
			if ctx.Err() != nil {
				break
			}
			processed, err := d.ProcessNext(ctx, c, workerName)
			if err != nil {
				d.logger.Error("Failed to process next job",
					slog.String("worker_name", workerName),
					slog.Any("error", err),
				)
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			d.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}
