// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"sync"
	"sync/atomic"
)

// =============================================================================
// RingBuffer
// =============================================================================

// RingBuffer is a fixed-capacity FIFO that overwrites its oldest item.
//
// # Description
//
// Used wherever bootmgr needs "the last N lines" without unbounded
// memory: the output tail attached to a failed compose command, the log
// history served to late subscribers, and the per-subscriber queue that
// lets the log hub emit without blocking on a slow reader.
//
// # How It Works
//
//  1. Items are added at the tail position
//  2. Items are removed from the head position
//  3. When full, Push overwrites the oldest item
//  4. DroppedCount tracks how many items were dropped
//
// # Thread Safety
//
// RingBuffer is safe for concurrent use from multiple goroutines.
//
// # Example
//
//	tail := NewRingBuffer[string](200)
//	tail.Push("Pulling web ... done")
//	lines := tail.ToSlice()
type RingBuffer[T any] struct {
	buffer   []T
	head     int
	tail     int
	size     int
	capacity int
	dropped  atomic.Int64
	mu       sync.Mutex
}

// NewRingBuffer creates a new ring buffer with the specified capacity.
//
// Panics if capacity <= 0.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ring buffer capacity must be positive")
	}
	return &RingBuffer[T]{
		buffer:   make([]T, capacity),
		capacity: capacity,
	}
}

// Push adds an item, dropping the oldest one when full.
//
// Returns true if an item was dropped to make room.
func (r *RingBuffer[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := false
	if r.size == r.capacity {
		var zero T
		r.buffer[r.head] = zero
		r.head = (r.head + 1) % r.capacity
		r.size--
		r.dropped.Add(1)
		dropped = true
	}

	r.buffer[r.tail] = item
	r.tail = (r.tail + 1) % r.capacity
	r.size++
	return dropped
}

// Pop removes and returns the oldest item.
func (r *RingBuffer[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.buffer[r.head]
	r.buffer[r.head] = zero
	r.head = (r.head + 1) % r.capacity
	r.size--
	return item, true
}

// Drain removes and returns all items, oldest first.
func (r *RingBuffer[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := r.copyLocked()
	var zero T
	for i := range r.buffer {
		r.buffer[i] = zero
	}
	r.head, r.tail, r.size = 0, 0, 0
	return items
}

// ToSlice returns a copy of all items, oldest first, without removing them.
func (r *RingBuffer[T]) ToSlice() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

// Size returns the number of items currently held.
func (r *RingBuffer[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the fixed capacity.
func (r *RingBuffer[T]) Capacity() int {
	return r.capacity
}

// DroppedCount returns how many items were overwritten since creation.
func (r *RingBuffer[T]) DroppedCount() int64 {
	return r.dropped.Load()
}

func (r *RingBuffer[T]) copyLocked() []T {
	items := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		items[i] = r.buffer[(r.head+i)%r.capacity]
	}
	return items
}
