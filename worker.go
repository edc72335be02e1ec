package sagaway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Worker periodically runs the recovery scan, picking up instances whose
// lease expired (crashed or stalled workers) and re-driving them.
type Worker struct {
	orchestrator *Orchestrator
	workerID     string
	interval     time.Duration
	logger       *zap.Logger
	stopCh       chan struct{}
}

func NewWorker(orchestrator *Orchestrator, interval time.Duration, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		orchestrator: orchestrator,
		workerID:     uuid.New().String(),
		interval:     interval,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("recovery worker started", zap.String("worker_id", w.workerID))

	// Run once at startup: this is the crash-recovery path.
	w.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("recovery worker stopping: context cancelled", zap.String("worker_id", w.workerID))

			return
		case <-w.stopCh:
			w.logger.Info("recovery worker stopping: stop signal received", zap.String("worker_id", w.workerID))

			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) scan(ctx context.Context) {
	resumed, err := w.orchestrator.ResumeIncomplete(ctx)
	if err != nil {
		w.logger.Error("recovery scan", zap.String("worker_id", w.workerID), zap.Error(err))

		return
	}

	if resumed > 0 {
		w.logger.Info("recovery scan resumed instances",
			zap.String("worker_id", w.workerID),
			zap.Int("resumed", resumed))
	}
}

// WorkerPool runs several recovery workers with staggered-by-chance scans.
// Lease acquisition makes concurrent scans safe; at most one worker wins an
// instance.
type WorkerPool struct {
	workers []*Worker
}

func NewWorkerPool(orchestrator *Orchestrator, size int, interval time.Duration, logger *zap.Logger) *WorkerPool {
	workers := make([]*Worker, size)
	for i := 0; i < size; i++ {
		workers[i] = NewWorker(orchestrator, interval, logger)
	}

	return &WorkerPool{workers: workers}
}

func (p *WorkerPool) Start(ctx context.Context) {
	for _, worker := range p.workers {
		go worker.Start(ctx)
	}
}

func (p *WorkerPool) Stop() {
	for _, worker := range p.workers {
		worker.Stop()
	}
}

func (p *WorkerPool) Size() int {
	return len(p.workers)
}
