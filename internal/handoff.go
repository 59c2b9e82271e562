// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrConsumerGone   = errors.New("handoff consumer is gone")
	ErrHandoffAborted = errors.New("handoff send aborted")
)

// Handoff is a bounded multi-producer, single-consumer queue.
// Items from one producer are received in the order they were sent.
type Handoff[T any] struct {
	items    chan T
	gone     chan struct{}
	goneOnce sync.Once
}

func NewHandoff[T any](capacity int) *Handoff[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Handoff[T]{
		items: make(chan T, capacity),
		gone:  make(chan struct{}),
	}
}

// Send enqueues item, waiting while the queue is full.
// It fails with ErrConsumerGone once the consumer has stopped and with
// ErrHandoffAborted when abort is closed first.
func (h *Handoff[T]) Send(item T, abort <-chan struct{}) error {
	select {
	case <-h.gone:
		return ErrConsumerGone
	default:
	}

	select {
	case h.items <- item:
		// the enqueue may have raced with CloseConsumer
		select {
		case <-h.gone:
			return ErrConsumerGone
		default:
			return nil
		}
	case <-h.gone:
		return ErrConsumerGone
	case <-abort:
		return ErrHandoffAborted
	}
}

// Receive waits at most timeout for an item. The second return value is
// false when the timeout elapsed.
func (h *Handoff[T]) Receive(timeout time.Duration) (T, bool) {
	select {
	case item := <-h.items:
		return item, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item := <-h.items:
		return item, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// CloseConsumer marks the consumer as gone. Safe to call more than once.
func (h *Handoff[T]) CloseConsumer() {
	h.goneOnce.Do(func() {
		close(h.gone)
	})
}

func (h *Handoff[T]) Len() int {
	return len(h.items)
}

func (h *Handoff[T]) Cap() int {
	return cap(h.items)
}
