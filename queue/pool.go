package queue

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of requests being processed concurrently
// across all queues, the way a bounded goroutine pool would: when the
// semaphore is exhausted, dispatch falls back to a buffered backlog
// channel drained as slots free up, so a momentarily full pool still
// queues work instead of stalling ppoll. The backlog is bounded; once
// it is also full, Dispatch blocks the pump that called it until a
// backlog slot frees up.
type Pool struct {
	sem     *semaphore.Weighted
	worker  *Worker
	backlog chan job
	logger  *log.Logger
	done    chan struct{}
	wg      sync.WaitGroup
}

type job struct {
	req  *Request
	info *Info
}

// NewPool starts size goroutines' worth of concurrency behind worker.
// backlog bounds how many requests may be queued when the pool is
// momentarily saturated before Dispatch itself blocks.
func NewPool(size int, backlog int, worker *Worker, logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	p := &Pool{
		sem:     semaphore.NewWeighted(int64(size)),
		worker:  worker,
		backlog: make(chan job, backlog),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go p.drain()
	return p
}

// Dispatch hands one request to the pool. It never blocks on worker
// availability: if a slot is free it runs the request immediately in a
// new goroutine, otherwise it enqueues to the backlog channel, which
// itself only blocks the caller once the backlog is also full — the
// same backpressure the pump applies to the guest by leaving
// descriptors unpopped.
func (p *Pool) Dispatch(req *Request, info *Info) {
	if p.sem.TryAcquire(1) {
		p.wg.Add(1)
		go p.run(req, info)
		return
	}
	p.backlog <- job{req: req, info: info}
}

func (p *Pool) drain() {
	for {
		select {
		case j := <-p.backlog:
			p.sem.Acquire(context.Background(), 1) //nolint:errcheck // Background never cancels
			p.wg.Add(1)
			go p.run(j.req, j.info)
		case <-p.done:
			return
		}
	}
}

func (p *Pool) run(req *Request, info *Info) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	if err := p.worker.Handle(req, info); err != nil {
		p.logger.Printf("queue: request failed: %v", err)
	}
}

// Wait blocks until every currently dispatched request has finished,
// without stopping the pool itself. A queue being individually disabled
// (queue_set_started(qidx, false)) calls this before considering itself
// stopped, so a request from that queue can never still be in flight
// once the front end is told the queue is down.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close stops the pool's backlog drain goroutine and waits for every
// already-dispatched request to finish (immediate=false, wait=true, in
// the vhost-user thread-pool teardown's terms). Requests still sitting
// in the backlog when Close is called do not get a chance to start.
func (p *Pool) Close() {
	close(p.done)
	p.wg.Wait()
}
