package worker

import (
	"context"
	"sync"
	"sync/atomic"
)

// Job represents a unit of work to be executed
type Job interface {
	Execute(ctx context.Context) Result
}

// Result represents the result of a job execution
type Result interface {
	GetError() error
}

// Pool runs jobs on a fixed number of workers fed from a bounded queue
type Pool struct {
	workers int
	active  atomic.Int32
	peak    atomic.Int32
}

// NewPool creates a new worker pool with the specified number of workers
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{workers: workers}
}

// Workers returns the concurrency bound
func (p *Pool) Workers() int {
	return p.workers
}

// Peak returns the highest number of jobs observed running at once
func (p *Pool) Peak() int {
	return int(p.peak.Load())
}

// Run executes jobs and hands each result to onResult as soon as it is
// available. onResult is called from the caller's goroutine, one result at a
// time. Once ctx is done no further job is queued; jobs already queued still
// execute and observe the cancelled ctx, so every queued job yields a result.
func (p *Pool) Run(ctx context.Context, jobs []Job, onResult func(Result)) {
	if len(jobs) == 0 {
		return
	}

	jobQueue := make(chan Job, p.workers*2)
	results := make(chan Result, p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go p.worker(ctx, jobQueue, results, &wg)
	}

	// Submit from a separate goroutine so a full queue never blocks result delivery
	go func() {
		defer close(jobQueue)
		for _, job := range jobs {
			select {
			case <-ctx.Done():
				return
			case jobQueue <- job:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for result := range results {
		if onResult != nil {
			onResult(result)
		}
	}
}

// worker is the worker goroutine that processes jobs
func (p *Pool) worker(ctx context.Context, jobQueue <-chan Job, results chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	for job := range jobQueue {
		n := p.active.Add(1)
		for {
			peak := p.peak.Load()
			if n <= peak || p.peak.CompareAndSwap(peak, n) {
				break
			}
		}

		result := job.Execute(ctx)
		p.active.Add(-1)
		results <- result
	}
}

// Collect runs jobs and returns every result in completion order
func (p *Pool) Collect(ctx context.Context, jobs []Job) []Result {
	out := make([]Result, 0, len(jobs))
	p.Run(ctx, jobs, func(r Result) {
		out = append(out, r)
	})
	return out
}
