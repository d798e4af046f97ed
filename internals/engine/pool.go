package engine

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Pool owns the fixed worker set and hands routers out round-robin. A worker
// reporting a fatal internal failure takes the whole process down with it: a
// dead worker silently breaks every router bound to it, which is worse than a
// restart.
type Pool struct {
	mu      sync.Mutex
	workers []Worker
	next    int

	// OnFatal escalates a worker failure; main wires this to a fatal exit.
	OnFatal func(workerID int, err error)

	logger *zap.Logger
}

func NewPool(workers []Worker, logger *zap.Logger) (*Pool, error) {
	if len(workers) == 0 {
		return nil, errors.New("engine: pool needs at least one worker")
	}
	return &Pool{workers: workers, logger: logger}, nil
}

// Next returns the next worker in round-robin order.
func (p *Pool) Next() Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.workers[p.next]
	p.next = (p.next + 1) % len(p.workers)
	return w
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Fatal reports an unrecoverable worker failure.
func (p *Pool) Fatal(workerID int, err error) {
	p.logger.Error("Media worker fatal failure",
		zap.Int("workerID", workerID),
		zap.Error(err),
	)
	if p.OnFatal != nil {
		p.OnFatal(workerID, err)
	}
}

func (p *Pool) Close() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	for _, w := range workers {
		if err := w.Close(); err != nil {
			p.logger.Warn("Worker close failed", zap.Int("workerID", w.ID()), zap.Error(err))
		}
	}
}
