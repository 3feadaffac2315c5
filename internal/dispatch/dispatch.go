// Package dispatch runs notifications for client callbacks on a single
// worker goroutine, so engine listener goroutines never call into client
// code themselves.
package dispatch

import (
	"sync"

	"github.com/lanikai/alohacdm/internal/logging"
	"github.com/lanikai/alohacdm/internal/metrics"
)

var log = logging.DefaultLogger.WithTag("dispatch")

// Command is a unit of work. It owns whatever it captured, and runs exactly
// once.
type Command func()

// Dispatcher runs posted commands one at a time in FIFO order.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Command
	stopped bool

	done chan struct{}
}

// New starts a dispatcher and its worker goroutine.
func New() *Dispatcher {
	d := &Dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

// Post appends cmd to the queue and wakes the worker if it was idle. Posting
// to a stopped dispatcher drops the command and returns false.
func (d *Dispatcher) Post(cmd Command) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		log.Warn("Dropping command posted after stop")
		metrics.DroppedCommands.Inc()
		return false
	}
	wasEmpty := len(d.queue) == 0
	d.queue = append(d.queue, cmd)
	d.mu.Unlock()

	metrics.DispatchQueueDepth.Inc()
	if wasEmpty {
		d.cond.Signal()
	}
	return true
}

// Flush blocks until every command posted before it has run. It must not be
// called from a command.
func (d *Dispatcher) Flush() {
	flushed := make(chan struct{})
	if !d.Post(func() { close(flushed) }) {
		return
	}
	select {
	case <-flushed:
	case <-d.done:
	}
}

// Stop makes the worker exit after the command it is running, if any, and
// waits for it. Commands still queued are dropped. It must not be called
// from a command.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()

	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if d.stopped {
			dropped := len(d.queue)
			d.queue = nil
			d.mu.Unlock()
			if dropped > 0 {
				log.Debug("Stopped with %d commands queued", dropped)
				metrics.DispatchQueueDepth.Sub(float64(dropped))
				metrics.DroppedCommands.Add(float64(dropped))
			}
			return
		}
		cmd := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		metrics.DispatchQueueDepth.Dec()
		cmd()
		metrics.DispatchedCommands.Inc()
	}
}
