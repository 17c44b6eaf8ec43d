// Package progress carries ordered stage progress events from the runner to
// any number of observers. Events go through a buffered channel drained by a
// single dispatcher goroutine, so publishing never blocks stage execution
// and every observer sees events in emission order.
package progress

import (
	"sync"
	"time"
)

// Status is the state an event reports for its stage.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusSatisfied Status = "SATISFIED" // already done, nothing to do
	StatusFailed    Status = "FAILED"
	StatusRetrying  Status = "RETRYING"
)

// Event is one progress update for a stage.
type Event struct {
	Stage   string    `json:"stage"`
	Ordinal int       `json:"ordinal"`
	Total   int       `json:"total"`
	Status  Status    `json:"status"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Observer receives events in emission order.
type Observer func(Event)

// Publisher fans events out to observers without blocking the publisher.
// Observer registration has its own lock so the dispatcher can deliver
// while a publish is waiting on channel space.
type Publisher struct {
	mu     sync.Mutex
	closed bool

	obsMu     sync.Mutex
	observers []Observer

	events chan Event
	done   chan struct{}
}

// NewPublisher starts a publisher whose channel buffers up to size events.
// Size should comfortably exceed the event count of one run so the
// dispatcher never applies backpressure to the runner.
func NewPublisher(size int) *Publisher {
	p := &Publisher{
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Subscribe registers an observer. Observers registered after publishing
// began miss earlier events.
func (p *Publisher) Subscribe(o Observer) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.observers = append(p.observers, o)
}

// Publish stamps and enqueues an event. Publishing after Close is a no-op.
func (p *Publisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	p.events <- e
}

// Close stops intake and blocks until every queued event has been
// delivered.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()
	<-p.done
}

func (p *Publisher) dispatch() {
	defer close(p.done)
	for e := range p.events {
		p.obsMu.Lock()
		observers := append([]Observer(nil), p.observers...)
		p.obsMu.Unlock()
		for _, o := range observers {
			o(e)
		}
	}
}

// Collector is an observer that records every event it sees. Safe for
// concurrent use.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func NewCollector() *Collector {
	return &Collector{}
}

// Observe is the Observer to subscribe.
func (c *Collector) Observe(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// Events returns a snapshot of everything collected so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}
