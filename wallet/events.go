// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/multiwallet/wtxmgr"
	"github.com/lightningnetwork/lnd/queue"
)

// DefaultEventQueueSize is the number of events a subscription buffers
// before new events are dropped.
const DefaultEventQueueSize = 256

// Event is a state transition of a payment. A late confirmation of a
// failed or abandoned payment is reported with From equal to To.
type Event struct {
	ID    string
	Chain string

	From wtxmgr.TxState
	To   wtxmgr.TxState

	Attempt   uint32
	ChainTxID string
	Fee       btcutil.Amount

	// Height is the chain height the transition was decided at.
	Height int64

	// Err is the cause of a failure, if any.
	Err error

	Time time.Time
}

// Subscription delivers events in the order they were published. A slow
// reader loses events rather than stalling payments; Dropped reports how
// many.
type Subscription struct {
	id   uint64
	size int64

	// queue moves events from the publisher to the reader. pending counts
	// the events published but not read yet.
	queue   *queue.ConcurrentQueue
	pending atomic.Int64
	dropped atomic.Uint64

	hub  *eventHub
	quit chan struct{}
}

// Next blocks until an event is available or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case item := <-s.queue.ChanOut():
		s.pending.Add(-1)

		return item.(Event), nil

	case <-s.quit:
		return Event{}, ErrSubscriptionCanceled

	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Dropped returns the number of events lost because the reader lagged.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel stops delivery to the subscription. Events not read yet are
// discarded.
func (s *Subscription) Cancel() {
	if s.hub.remove(s.id) {
		close(s.quit)
		s.queue.Stop()
	}
}

// eventHub fans events out to every subscription.
type eventHub struct {
	size int

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func newEventHub(size int) *eventHub {
	if size <= 0 {
		size = DefaultEventQueueSize
	}

	return &eventHub{size: size, subs: make(map[uint64]*Subscription)}
}

func (h *eventHub) subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s := &Subscription{
		id:    h.nextID,
		size:  int64(h.size),
		queue: queue.NewConcurrentQueue(h.size),
		hub:   h,
		quit:  make(chan struct{}),
	}
	s.queue.Start()
	h.subs[s.id] = s

	return s
}

// remove unregisters subscription id. It returns false if it was already
// removed.
func (h *eventHub) remove(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[id]; !ok {
		return false
	}
	delete(h.subs, id)

	return true
}

// publish hands ev to every subscription. A registered subscription has
// a running queue, so the send only waits for its goroutine to take the
// event.
func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.subs {
		if s.pending.Load() >= s.size {
			s.dropped.Add(1)
			log.Tracef("Dropped event %v->%v of %v for subscriber "+
				"%d", ev.From, ev.To, ev.ID, s.id)

			continue
		}

		s.pending.Add(1)
		s.queue.ChanIn() <- ev
	}
}
