package bfs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrPanicked is returned when a search task panicked; the worker and the
// store both survive (search is read-only).
var ErrPanicked = errors.New("search worker panicked")

type poolTask struct {
	fn   func(*Engine) error
	done chan error
}

// Pool is the fixed set of worker goroutines CPU-bound searches run on.
// Each worker owns one Engine, so scratch state amortizes across queries
// without synchronization. Callers on I/O goroutines block in Submit while
// the search runs elsewhere.
type Pool struct {
	tasks chan poolTask
	wg    sync.WaitGroup
	log   *logrus.Logger
}

func NewPool(workers int, log *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		tasks: make(chan poolTask),
		log:   log,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	engine := NewEngine()
	for t := range p.tasks {
		t.done <- p.runTask(engine, t.fn)
	}
}

func (p *Pool) runTask(engine *Engine, fn func(*Engine) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("search worker panicked")
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return fn(engine)
}

// Submit runs fn on a pool worker and waits for it. If ctx expires while
// queued or running, Submit returns early; a running task notices the
// cancellation itself between layer expansions.
func (p *Pool) Submit(ctx context.Context, fn func(*Engine) error) error {
	t := poolTask{fn: fn, done: make(chan error, 1)}
	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for in-flight ones.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
}
