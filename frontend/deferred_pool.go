package frontend

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// deferredWorkerPool runs well-known-flow follow-up work (e.g. the
// startup flow's inventory-sink callback) off the ingress
// path, at a bounded concurrency and a bounded submission rate.
type deferredWorkerPool struct {
	tasks   chan func()
	limiter *rate.Limiter

	stop chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// newDeferredWorkerPool starts numWorkers goroutines draining a shared
// task channel, admitted at up to ratePerSecond submissions/second.
func newDeferredWorkerPool(numWorkers int, ratePerSecond float64) *deferredWorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 50
	}

	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}

	p := &deferredWorkerPool{
		tasks:   make(chan func(), 1000),
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		stop:    make(chan struct{}),
	}

	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *deferredWorkerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case fn := <-p.tasks:
			fn()
		}
	}
}

// submit rate-limits and enqueues fn. If the pool has been shut down or
// ctx is cancelled while waiting on the limiter, fn is dropped.
func (p *deferredWorkerPool) submit(ctx context.Context, fn func()) {
	if err := p.limiter.Wait(ctx); err != nil {
		return
	}
	select {
	case <-p.stop:
	case p.tasks <- fn:
	}
}

func (p *deferredWorkerPool) shutdown() {
	p.closeOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}
