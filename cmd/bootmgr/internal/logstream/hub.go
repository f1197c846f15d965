// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logstream

import (
	"sync"
	"time"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
	"github.com/dpt-tools/bootmgr/pkg/logging"
)

const (
	// DefaultHistorySize is how many lines the hub keeps for late subscribers.
	DefaultHistorySize = 1000

	// DefaultQueueSize is the per-subscriber backlog before oldest lines drop.
	DefaultQueueSize = 512
)

// Hub fans lines out to subscribers and keeps a bounded history.
//
// # Description
//
// Hub is the bridge between background operations and the single
// goroutine that owns rendering. Emit records the line in the history,
// mirrors it to the file logger at debug level, and queues it on every
// subscription. Each subscription has a pump goroutine that moves queued
// lines onto its channel, so Emit returns as soon as the line is queued.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	history *util.RingBuffer[Line]
	subs    map[*Subscription]struct{}
	closed  bool
	logger  *logging.Logger
}

// NewHub creates a hub keeping historySize lines (DefaultHistorySize if <= 0).
func NewHub(historySize int, logger *logging.Logger) *Hub {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Hub{
		history: util.NewRingBuffer[Line](historySize),
		subs:    make(map[*Subscription]struct{}),
		logger:  logging.OrDiscard(logger),
	}
}

// Emit records l and queues it for every subscriber.
//
// Lines emitted by one goroutine reach each subscriber in emit order.
func (h *Hub) Emit(l Line) {
	if l.Time.IsZero() {
		l.Time = time.Now()
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.history.Push(l)
	for s := range h.subs {
		s.enqueue(l)
	}
	h.mu.Unlock()

	h.logger.Debug("output", "stream", l.Stream.String(), "op_id", l.OpID, "text", l.Text)
}

// History returns the retained lines, oldest first.
func (h *Hub) History() []Line {
	return h.history.ToSlice()
}

// Subscribe registers a new subscriber.
//
// # Description
//
// The returned subscription receives every line emitted after this call.
// When replay is true, the current history is queued first so a new
// console or websocket client sees recent output. queueSize bounds the
// backlog (DefaultQueueSize if <= 0). Close the subscription when done.
func (h *Hub) Subscribe(queueSize int, replay bool) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &Subscription{
		hub:    h,
		queue:  util.NewRingBuffer[Line](queueSize),
		notify: make(chan struct{}, 1),
		out:    make(chan Line),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.closeOnce.Do(func() { close(s.done) })
		close(s.exited)
		close(s.out)
		return s
	}
	if replay {
		for _, l := range h.history.ToSlice() {
			s.enqueue(l)
		}
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	util.SafeGo(s.pump, func(r util.SafeGoResult) {
		h.logger.Error("log subscription pump panicked", "panic", r.PanicValue)
	})
	return s
}

// Close stops all subscriptions. Further Emit calls are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = map[*Subscription]struct{}{}
	h.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

var _ Sink = (*Hub)(nil)

// =============================================================================
// Subscription
// =============================================================================

// Subscription is one consumer of a Hub.
type Subscription struct {
	hub       *Hub
	queue     *util.RingBuffer[Line]
	notify    chan struct{}
	out       chan Line
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// Lines returns the channel the subscriber reads from. It is closed
// after Close or Hub.Close.
func (s *Subscription) Lines() <-chan Line {
	return s.out
}

// Dropped returns how many lines this subscriber lost to backlog overflow.
func (s *Subscription) Dropped() int64 {
	return s.queue.DroppedCount()
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	<-s.exited
}

func (s *Subscription) enqueue(l Line) {
	s.queue.Push(l)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.exited)
	defer close(s.out)
	for {
		for _, l := range s.queue.Drain() {
			select {
			case s.out <- l:
			case <-s.done:
				return
			}
		}
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}
