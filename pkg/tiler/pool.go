package tiler

import (
	"sync"
)

// Pool runs a fixed set of workers
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
	once    sync.Once
}

// NewPool creates a pool of n workers built by newWorker
func NewPool(n int, newWorker func(id int) *Worker) *Pool {
	p := &Pool{workers: make([]*Worker, n)}
	for i := range p.workers {
		p.workers[i] = newWorker(i)
	}
	return p
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return len(p.workers)
}

// Start launches every worker. Calls after the first are no-ops.
func (p *Pool) Start() {
	p.once.Do(func() {
		for _, w := range p.workers {
			p.wg.Add(1)
			go func(w *Worker) {
				defer p.wg.Done()
				w.Run()
			}(w)
		}
	})
}

// Wait blocks until every worker has exited
func (p *Pool) Wait() {
	p.wg.Wait()
}
