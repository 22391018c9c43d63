// Package dispatch runs inbound events on keyed FIFO lanes. Jobs sharing a key
// run one at a time in submission order; distinct keys run in parallel up to
// the worker limit.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/basket/go-relay/internal/shared"
)

// DefaultWorkers bounds concurrent jobs when no limit is configured.
const DefaultWorkers = 8

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("dispatch: closed")

// Job handles one event. Its context carries a fresh trace id.
type Job func(ctx context.Context)

type task struct {
	kind string
	fn   Job
}

type lane struct {
	queue []task
}

// Dispatcher owns the lanes and the worker semaphore.
type Dispatcher struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool

	sem    chan struct{}
	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// New creates a dispatcher running at most workers jobs at once.
func New(workers int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		lanes:  make(map[string]*lane),
		sem:    make(chan struct{}, workers),
		base:   base,
		cancel: cancel,
		logger: logger.With("component", "dispatch"),
	}
}

// Submit queues fn on the lane for key. It never blocks on running jobs.
func (d *Dispatcher) Submit(key, kind string, fn Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	l, ok := d.lanes[key]
	if !ok {
		l = &lane{}
		d.lanes[key] = l
		d.wg.Add(1)
		go d.drain(key, l)
	}
	l.queue = append(l.queue, task{kind: kind, fn: fn})
	return nil
}

// Pending returns the number of queued jobs not yet started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, l := range d.lanes {
		n += len(l.queue)
	}
	return n
}

// Lanes returns the number of keys with queued or running work.
func (d *Dispatcher) Lanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

// drain runs a lane until its queue is empty, then retires it.
func (d *Dispatcher) drain(key string, l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		t := l.queue[0]
		l.queue[0] = task{}
		l.queue = l.queue[1:]
		d.mu.Unlock()

		d.sem <- struct{}{}
		d.run(key, t)
		<-d.sem
	}
}

func (d *Dispatcher) run(key string, t task) {
	ctx := shared.WithTraceID(d.base, shared.NewTraceID())
	ctx = shared.WithEventKind(ctx, t.kind)
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "event handler panicked", "lane", key, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	t.fn(ctx)
}

// Shutdown stops accepting jobs and waits for queued and running ones. When
// ctx expires first, job contexts are cancelled and ctx's error is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		d.logger.Warn("drain timed out, cancelling in-flight events", "pending", d.Pending())
		return ctx.Err()
	}
}
