// Package dispatcher runs a cycle's per-target tasks on a bounded pool.
package dispatcher

import (
	"context"
	"sync"
)

// DefaultConcurrency is used when no positive limit is configured.
const DefaultConcurrency = 10

// Task is one unit of work submitted to the pool.
type Task func(ctx context.Context)

// Pool fans tasks out to at most Concurrency goroutines at a time.
type Pool struct {
	sem chan struct{}
}

// New creates a Pool. Non-positive limits fall back to DefaultConcurrency.
func New(concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Pool{sem: make(chan struct{}, concurrency)}
}

// Limit returns the pool size.
func (p *Pool) Limit() int {
	return cap(p.sem)
}

// Run starts every task and blocks until all of them have returned. Tasks not
// yet started when ctx is canceled are skipped; running tasks see ctx.
func (p *Pool) Run(ctx context.Context, tasks []Task) {
	var wg sync.WaitGroup
	for _, task := range tasks {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(run Task) {
			defer func() {
				<-p.sem
				wg.Done()
			}()
			run(ctx)
		}(task)
	}
	wg.Wait()
}
