package uatcp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// Handler consumes the jobs of a network layer.
// Implementations must be safe for concurrent use.
type Handler interface {
	// HandleMessage processes received bytes. msg is released after
	// HandleMessage returns and must not be retained.
	HandleMessage(c *Connection, msg []byte)
	// HandleDetach is called once for every connection that left the
	// network layer.
	HandleDetach(c *Connection)
}

type dispatched struct {
	job Job
	gen uint64
}

type delayedCall struct {
	call *DeferredCall
	gen  uint64
}

// Dispatcher executes job batches on a pool of workers.
//
// Every batch passed to Submit gets a generation number. Jobs are handed to
// the workers in submission order. A DeferredCall of generation G runs only
// once every other job of generation G and below has finished, so a
// connection freed by a DeferredCall is never referenced by a running job.
type Dispatcher struct {
	handler Handler
	workers int
	logger  Logger

	work   chan dispatched
	notify chan struct{}

	mu         sync.Mutex
	generation uint64
	delayed    *queue.Queue // of delayedCall, guarded by mu
	pending    *xsync.MapOf[uint64, *xsync.Counter]
	running    atomic.Int64
}

// NewDispatcher creates a dispatcher with the given number of workers.
func NewDispatcher(handler Handler, workers int, logger Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = defaultLogger()
	}
	return &Dispatcher{
		handler: handler,
		workers: workers,
		logger:  logger,
		work:    make(chan dispatched, workers),
		notify:  make(chan struct{}, 1),
		delayed: queue.New(),
		pending: xsync.NewMapOf[uint64, *xsync.Counter](),
	}
}

// Run starts the workers and blocks until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	group, child := errgroup.WithContext(ctx)

	for i := 0; i < d.workers; i++ {
		group.Go(func() error {
			return d.workLoop(child)
		})
	}

	group.Go(func() error {
		return d.reclaimLoop(child)
	})

	return group.Wait()
}

// Submit queues one batch of jobs. It blocks while all workers are busy.
// If ctx is canceled the jobs not yet queued are dropped and their
// buffers released.
func (d *Dispatcher) Submit(ctx context.Context, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}

	var direct []Job
	d.mu.Lock()
	d.generation++
	gen := d.generation
	for _, j := range jobs {
		if call, ok := j.(*DeferredCall); ok {
			d.delayed.Add(delayedCall{call: call, gen: gen})
			continue
		}
		direct = append(direct, j)
	}
	if len(direct) > 0 {
		counter := xsync.NewCounter()
		counter.Add(int64(len(direct)))
		d.pending.Store(gen, counter)
	}
	d.mu.Unlock()

	defer d.wake()

	for i, j := range direct {
		select {
		case d.work <- dispatched{job: j, gen: gen}:
		case <-ctx.Done():
			for _, rest := range direct[i:] {
				if m, ok := rest.(*ReceivedMessage); ok {
					m.Release()
				}
				d.finish(gen)
			}
			return ctx.Err()
		}
	}
	return nil
}

// Flush blocks until every submitted job, deferred calls included, has run.
func (d *Dispatcher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for !d.idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (d *Dispatcher) idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delayed.Length() == 0 && d.pending.Size() == 0 && d.running.Load() == 0
}

func (d *Dispatcher) workLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w := <-d.work:
			d.execute(w.job)
			d.finish(w.gen)
		}
	}
}

func (d *Dispatcher) execute(j Job) {
	switch job := j.(type) {
	case *ReceivedMessage:
		d.handler.HandleMessage(job.Conn, job.Data)
		job.Release()
	case *DetachConnection:
		d.handler.HandleDetach(job.Conn)
	case *DeferredCall:
		job.Func(job.Arg)
	default:
		d.logger.Warn("unknown job type", "job", j)
	}
}

// finish marks one job of generation gen as done.
func (d *Dispatcher) finish(gen uint64) {
	counter, ok := d.pending.Load(gen)
	if !ok {
		return
	}
	counter.Dec()
	if counter.Value() == 0 {
		d.pending.Delete(gen)
		d.wake()
	}
}

func (d *Dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) reclaimLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.notify:
			d.runDelayed()
		}
	}
}

// runDelayed runs deferred calls in generation order as long as their
// generation and every earlier one is complete.
func (d *Dispatcher) runDelayed() {
	for {
		d.mu.Lock()
		if d.delayed.Length() == 0 {
			d.mu.Unlock()
			return
		}
		head := d.delayed.Peek().(delayedCall)
		if !d.completedThrough(head.gen) {
			d.mu.Unlock()
			return
		}
		d.delayed.Remove()
		d.running.Add(1)
		d.mu.Unlock()

		d.execute(head.call)
		d.running.Add(-1)
	}
}

// completedThrough reports whether no job of generation gen or below is
// still pending.
func (d *Dispatcher) completedThrough(gen uint64) bool {
	done := true
	d.pending.Range(func(g uint64, _ *xsync.Counter) bool {
		if g <= gen {
			done = false
			return false
		}
		return true
	})
	return done
}
