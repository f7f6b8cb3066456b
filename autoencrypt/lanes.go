package autoencrypt

import (
	"context"
	"log/slog"
	"sync"

	"github.com/marusama/semaphore/v2"
)

const defaultWorkers = 4

// Job is a unit of work run on a lane.
type Job func(ctx context.Context)

// Lanes runs jobs in one FIFO lane per handle. Jobs in the same lane never
// overlap; jobs in different lanes share a bounded number of workers.
type Lanes struct {
	sem semaphore.Semaphore

	mu      sync.Mutex
	queues  map[Handle][]Job
	running map[Handle]bool
	wg      sync.WaitGroup
}

// NewLanes creates lanes with at most workers jobs running at once.
func NewLanes(workers int) *Lanes {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Lanes{
		sem:     semaphore.New(workers),
		queues:  make(map[Handle][]Job),
		running: make(map[Handle]bool),
	}
}

// Submit appends job to h's lane. It never blocks.
func (l *Lanes) Submit(ctx context.Context, h Handle, job Job) {
	l.mu.Lock()
	l.queues[h] = append(l.queues[h], job)
	depth := len(l.queues[h])
	start := !l.running[h]
	if start {
		l.running[h] = true
		l.wg.Add(1)
	}
	l.mu.Unlock()

	if logEnabled(slog.LevelDebug) {
		sub("lanes").Debug("submit", "handle", h, "depth", depth)
	}
	if start {
		go l.run(ctx, h)
	}
}

// run drains h's lane, one job at a time.
func (l *Lanes) run(ctx context.Context, h Handle) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		q := l.queues[h]
		if len(q) == 0 {
			delete(l.queues, h)
			delete(l.running, h)
			l.mu.Unlock()
			return
		}
		job := q[0]
		l.queues[h] = q[1:]
		l.mu.Unlock()

		if err := l.sem.Acquire(ctx, 1); err != nil {
			l.mu.Lock()
			dropped := len(l.queues[h]) + 1
			delete(l.queues, h)
			delete(l.running, h)
			l.mu.Unlock()
			sub("lanes").Warn("dropping queued batches", "handle", h, "dropped", dropped, "err", err)
			return
		}
		job(ctx)
		l.sem.Release(1)
	}
}

// Len returns the number of queued jobs, not counting running ones.
func (l *Lanes) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, q := range l.queues {
		n += len(q)
	}
	return n
}

// Wait blocks until every lane is empty.
func (l *Lanes) Wait() {
	l.wg.Wait()
}
