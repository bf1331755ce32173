package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// Task is one unit of work handed to the pool.
type Task func(ctx context.Context) error

// Pool fans submitted tasks out over a fixed set of goroutines. Generation
// calls are slow and external, so the buffer stays small: a saturated pool
// rejects Submit and the poll loop simply tries again next tick while the
// claimed rows wait in the queue table.
type Pool struct {
	wg      sync.WaitGroup
	tasks   chan Task
	quit    chan struct{}
	workers int
	log     *zerolog.Logger
}

func NewPool(workers int, logger *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	l := logger.With().Str("component", "WorkerPool").Logger()
	return &Pool{
		tasks:   make(chan Task, workers*2),
		quit:    make(chan struct{}),
		workers: workers,
		log:     &l,
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("workers", p.workers).Msg("worker pool started")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case task := <-p.tasks:
			if task == nil {
				continue
			}
			if err := p.safeRun(ctx, task); err != nil {
				p.log.Error().Err(err).Int("worker", id).Msg("task failed")
			}
		}
	}
}

// safeRun keeps a panicking task from taking its worker goroutine down.
func (p *Pool) safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task(ctx)
}

// Stop drains in-flight tasks and waits for the workers to exit.
func (p *Pool) Stop() {
	close(p.quit)
	p.wg.Wait()
	p.log.Info().Msg("worker pool stopped")
}

var ErrPoolSaturated = errors.New("worker pool saturated")

func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolSaturated
	}
}
