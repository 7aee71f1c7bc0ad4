package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bridgecore/genesis/internal/event"
	"github.com/bridgecore/genesis/internal/store"
)

// task is one accepted event together with the subscriptions that
// matched it, snapshotted in registration order at accept time.
type task struct {
	ev   event.Event
	subs []subscription
}

// dispatcher fans accepted events out to handlers.
//
// Each topic gets its own FIFO queue drained by a single supervised
// worker goroutine, so events on one topic reach subscribers in
// watermark order while a slow handler only delays observers of its own
// topic. Queues are unbounded so publishers never block on dispatch.
type dispatcher struct {
	mu      sync.Mutex
	workers map[string]*topicWorker
	closed  bool
	wg      sync.WaitGroup

	store store.Store

	pending       atomic.Int64
	delivered     atomic.Int64
	handlerErrors atomic.Int64
}

func newDispatcher(st store.Store) *dispatcher {
	return &dispatcher{
		workers: make(map[string]*topicWorker),
		store:   st,
	}
}

// enqueue hands a task to the topic's worker, creating the worker on
// first use. Returns false after Close.
func (d *dispatcher) enqueue(t task) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	w, ok := d.workers[t.ev.Topic]
	if !ok {
		w = newTopicWorker()
		d.workers[t.ev.Topic] = w
		d.wg.Add(1)
		go d.run(w)
	}
	d.mu.Unlock()

	if !w.enqueue(t) {
		return false
	}
	d.pending.Add(1)
	return true
}

// run drains one topic worker until it is closed and empty.
func (d *dispatcher) run(w *topicWorker) {
	defer d.wg.Done()

	for {
		t, ok := w.tryDequeue()
		if ok {
			d.deliver(t)
			d.pending.Add(-1)
			continue
		}

		if w.drained() {
			return
		}
		<-w.signal
	}
}

// deliver invokes every matched handler in subscription-registration
// order. A handler error or panic is logged and dead-lettered; remaining
// handlers still run.
func (d *dispatcher) deliver(t task) {
	ctx := context.Background()

	for _, sub := range t.subs {
		if err := d.invoke(ctx, sub.handler, t.ev); err != nil {
			herr := &HandlerError{
				Handler: sub.handler.Name(),
				EventID: t.ev.ID,
				Topic:   t.ev.Topic,
				Err:     err,
			}
			d.handlerErrors.Add(1)
			slog.Error("handler failed",
				"handler", herr.Handler,
				"event_id", herr.EventID,
				"topic", herr.Topic,
				"error", err,
			)
			if dlqErr := d.store.RecordDeadLetter(ctx, store.DeadLetter{
				EventID: t.ev.ID,
				Topic:   t.ev.Topic,
				Handler: sub.handler.Name(),
				Error:   err.Error(),
			}); dlqErr != nil {
				slog.Error("dead letter write failed", "error", dlqErr, "event_id", t.ev.ID)
			}
		}
	}
	d.delivered.Add(1)
}

// invoke wraps a single handler call, converting panics into errors so
// one misbehaving subscriber cannot take down the worker.
func (d *dispatcher) invoke(ctx context.Context, h Handler, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}

// close stops accepting tasks and wakes the workers; in-flight queues
// drain before the workers exit.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	workers := make([]*topicWorker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.mu.Unlock()

	for _, w := range workers {
		w.close()
	}
	d.wg.Wait()
}

// pendingTasks returns the number of accepted-but-undelivered events.
func (d *dispatcher) pendingTasks() int {
	return int(d.pending.Load())
}

// topicWorker is the per-topic FIFO queue. Unbounded so cascading
// handler publishes cannot deadlock against their own topic.
//
// The signal channel (buffered, size 1) coalesces wakeups for the
// draining goroutine; it is closed by close() to release a parked worker.
type topicWorker struct {
	mu     sync.Mutex
	tasks  []task
	closed bool
	signal chan struct{}
}

func newTopicWorker() *topicWorker {
	return &topicWorker{
		tasks:  make([]task, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

func (w *topicWorker) enqueue(t task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}
	w.tasks = append(w.tasks, t)

	select {
	case w.signal <- struct{}{}:
	default:
	}
	return true
}

func (w *topicWorker) tryDequeue() (task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.tasks) == 0 {
		return task{}, false
	}

	t := w.tasks[0]
	// Nil out the slot so the backing array does not retain the event's
	// payload references under steady load.
	w.tasks[0] = task{}
	if len(w.tasks) == 1 {
		w.tasks = w.tasks[:0]
	} else {
		w.tasks = w.tasks[1:]
	}
	return t, true
}

// drained reports whether the worker is closed with nothing left to do.
func (w *topicWorker) drained() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed && len(w.tasks) == 0
}

func (w *topicWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	close(w.signal)
}
