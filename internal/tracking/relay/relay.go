// Package relay copies trip events to message brokers off the hot path.
// Events are queued without blocking and published by a single worker; when
// the queue is full the event is dropped for brokers only, subscribers on the
// websocket are unaffected.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"bus-tracker/internal/common/logger"
	"bus-tracker/internal/tracking/model"
)

var ErrClosed = errors.New("relay closed")

// Publisher delivers one encoded event to a broker.
type Publisher interface {
	Publish(ctx context.Context, tripID string, kind model.EventKind, payload []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, tripID string, kind model.EventKind, payload []byte) error

func (f PublisherFunc) Publish(ctx context.Context, tripID string, kind model.EventKind, payload []byte) error {
	return f(ctx, tripID, kind, payload)
}

// Target is a named publisher and the event kinds it wants. No kinds means
// every kind.
type Target struct {
	Name      string
	Publisher Publisher
	Kinds     []model.EventKind
}

func (t Target) wants(kind model.EventKind) bool {
	if len(t.Kinds) == 0 {
		return true
	}
	for _, k := range t.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type Recorder interface {
	RelayDrop(sink string)
	RelayPublish(sink string)
}

type item struct {
	tripID  string
	kind    model.EventKind
	payload []byte
}

type Relay struct {
	targets []Target
	metrics Recorder
	timeout time.Duration

	queue chan item
	mu    sync.RWMutex
	done  bool
	wg    sync.WaitGroup
}

// New starts the worker. queueSize bounds how many events may wait.
func New(queueSize int, metrics Recorder, targets ...Target) *Relay {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Relay{
		targets: targets,
		metrics: metrics,
		timeout: 5 * time.Second,
		queue:   make(chan item, queueSize),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Forward queues an event. It never blocks.
func (r *Relay) Forward(tripID string, kind model.EventKind, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.done {
		return
	}
	select {
	case r.queue <- item{tripID: tripID, kind: kind, payload: payload}:
	default:
		for _, t := range r.targets {
			if t.wants(kind) {
				r.drop(t.Name)
			}
		}
		logger.Warn("relay_queue_full", "Broker relay queue full, event dropped", "", tripID, string(kind))
	}
}

func (r *Relay) loop() {
	defer r.wg.Done()
	for it := range r.queue {
		r.publish(it)
	}
}

func (r *Relay) publish(it item) {
	for _, t := range r.targets {
		if !t.wants(it.kind) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := t.Publisher.Publish(ctx, it.tripID, it.kind, it.payload)
		cancel()
		if err != nil {
			r.drop(t.Name)
			logger.Warn("relay_publish_failed", "Failed to publish "+string(it.kind)+" to "+t.Name, "", it.tripID, err.Error())
			continue
		}
		if r.metrics != nil {
			r.metrics.RelayPublish(t.Name)
		}
	}
}

func (r *Relay) drop(sink string) {
	if r.metrics != nil {
		r.metrics.RelayDrop(sink)
	}
}

// Close stops accepting events and waits for the queue to drain, or for ctx.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return ErrClosed
	}
	r.done = true
	close(r.queue)
	r.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
