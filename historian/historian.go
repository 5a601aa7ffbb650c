// Package historian decouples the acquisition loop from external
// publishing. Changed values are offered to a bounded queue; a dispatcher
// goroutine fans them out to the configured sinks. The poll loop never
// blocks here: when the queue is full the oldest sample is dropped.
package historian

import (
	"sync"
	"sync/atomic"

	"forgeio/logging"
	"forgeio/tag"
)

// Sample is one value-change record handed to the sinks.
type Sample struct {
	Namespace string
	Path      string
	Value     tag.Value
}

// Sink delivers samples to one external system.
type Sink interface {
	Name() string
	Publish(s Sample) error
	Stop()
}

// DefaultQueueSize bounds the dispatcher queue. Sized for a burst of a
// full snapshot across several drivers.
const DefaultQueueSize = 4096

// Dispatcher fans value changes out to sinks on its own goroutine.
type Dispatcher struct {
	namespace string

	mu    sync.RWMutex
	sinks []Sink

	queue   chan Sample
	stop    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
	started bool
}

// NewDispatcher creates a dispatcher with the given queue capacity;
// capacity <= 0 uses DefaultQueueSize.
func NewDispatcher(namespace string, capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Dispatcher{
		namespace: namespace,
		queue:     make(chan Sample, capacity),
		stop:      make(chan struct{}),
	}
}

// AddSink attaches a sink. Sinks added after Start still receive samples.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Sinks returns the attached sinks.
func (d *Dispatcher) Sinks() []Sink {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Sink, len(d.sinks))
	copy(out, d.sinks)
	return out
}

// Start launches the dispatch goroutine.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run()
}

// Stop drains the queue, stops the dispatch goroutine, and stops every
// sink.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()

	for _, s := range d.Sinks() {
		s.Stop()
	}
	logging.DebugLog("historian", "dispatcher stopped (%d samples dropped)", d.dropped.Load())
}

// Offer enqueues a value change without blocking. When the queue is full
// the oldest pending sample is discarded to make room; fresh data beats
// complete data here.
func (d *Dispatcher) Offer(path string, v tag.Value) {
	s := Sample{Namespace: d.namespace, Path: path, Value: v}

	select {
	case d.queue <- s:
		return
	default:
	}

	select {
	case <-d.queue:
		d.dropped.Add(1)
	default:
	}
	select {
	case d.queue <- s:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns how many samples were discarded due to backpressure.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Pending returns the number of queued samples.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case s := <-d.queue:
			d.deliver(s)
		case <-d.stop:
			// Drain what's already queued before exiting.
			for {
				select {
				case s := <-d.queue:
					d.deliver(s)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(s Sample) {
	for _, sink := range d.Sinks() {
		if err := sink.Publish(s); err != nil {
			logging.DebugError("historian", "publish to "+sink.Name(), err)
		}
	}
}
