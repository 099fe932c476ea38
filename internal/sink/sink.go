// Package sink delivers dispatch updates to their consumers: browsers over
// websocket, an MQTT broker and ZeroMQ subscribers. Publish never blocks the
// dispatch loop; a sink that cannot keep up drops updates.
package sink

import (
	"errors"
	"sync/atomic"

	"github.com/jetvision/agent/internal/models"
)

// Sink consumes dispatch updates.
type Sink interface {
	// Publish hands u to the sink without blocking.
	Publish(u models.Update)
	// Close stops the sink and releases its resources.
	Close() error
}

// Fanout publishes every update to all of its sinks.
type Fanout []Sink

// Publish forwards u to each sink.
func (f Fanout) Publish(u models.Update) {
	for _, s := range f {
		s.Publish(u)
	}
}

// Close closes every sink and joins their errors.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// mailbox is a bounded queue that drops new items instead of blocking the
// producer when full.
type mailbox struct {
	ch      chan models.Update
	dropped atomic.Uint64
}

func newMailbox(size int) *mailbox {
	if size < 1 {
		size = 1
	}
	return &mailbox{ch: make(chan models.Update, size)}
}

// offer enqueues u and reports whether it was accepted.
func (m *mailbox) offer(u models.Update) bool {
	select {
	case m.ch <- u:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// Dropped reports how many updates were discarded.
func (m *mailbox) Dropped() uint64 { return m.dropped.Load() }
