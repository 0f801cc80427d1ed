package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"task-controller/internal/metrics"
)

var (
	ErrPoolFull    = errors.New("worker pool is full")
	ErrPoolStopped = errors.New("worker pool is stopped")
)

type job func(ctx context.Context)

// Pool runs jobs on a fixed number of goroutines. Capacity is split into
// slots: a caller reserves a slot before doing any work that must be undone
// when the pool is full, then either submits a job into it or releases it.
type Pool struct {
	mu      sync.RWMutex
	stopped bool

	slots chan struct{}
	jobs  chan job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines that accept up to queueSize jobs waiting
// behind the ones already running.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		slots:  make(chan struct{}, workers+queueSize),
		jobs:   make(chan job, workers+queueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.jobs {
		metrics.QueuedTasks.Dec()
		metrics.RunningTasks.Inc()
		j(p.ctx)
		metrics.RunningTasks.Dec()
		<-p.slots
	}
}

type Slot struct {
	pool *Pool
	once sync.Once
}

// Reserve never blocks. It returns ErrPoolFull when every slot is taken.
func (p *Pool) Reserve() (*Slot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return nil, ErrPoolStopped
	}

	select {
	case p.slots <- struct{}{}:
		return &Slot{pool: p}, nil
	default:
		return nil, ErrPoolFull
	}
}

// Submit hands the job to the pool. A slot can be used once.
func (s *Slot) Submit(j func(ctx context.Context)) error {
	err := ErrPoolStopped
	s.once.Do(func() {
		p := s.pool
		p.mu.RLock()
		defer p.mu.RUnlock()

		if p.stopped {
			<-p.slots
			return
		}
		metrics.QueuedTasks.Inc()
		// Never blocks: jobs has room for every slot.
		p.jobs <- j
		err = nil
	})
	return err
}

func (s *Slot) Release() {
	s.once.Do(func() {
		<-s.pool.slots
	})
}

// Stop cancels the context handed to running jobs and waits for them to
// return, or for ctx to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		p.cancel()
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("worker pool stop timed out with jobs still running")
		return ctx.Err()
	}
}
