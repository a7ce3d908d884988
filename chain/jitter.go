// Copyright (c) 2024-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

// JitterTicker is a ticker.Ticker whose interval is drawn anew for every
// tick from [d*(1-jitter), d*(1+jitter)]. Payment monitors polling the same
// node use it so their requests do not line up. Like the lnd ticker it
// starts paused, and a tick nobody reads is dropped.
type JitterTicker struct {
	lo time.Duration
	hi time.Duration

	ticks  chan time.Time
	paused atomic.Bool

	quit     chan struct{}
	stopOnce sync.Once
}

// A compile-time check to ensure that JitterTicker satisfies the
// ticker.Ticker interface.
var _ ticker.Ticker = (*JitterTicker)(nil)

// NewJitterTicker returns a paused ticker around d. A jitter of zero gives
// a plain ticker.
func NewJitterTicker(d time.Duration, jitter float64) *JitterTicker {
	lo, hi := jitterWindow(d, jitter)

	jt := &JitterTicker{
		lo:    lo,
		hi:    hi,
		ticks: make(chan time.Time, 1),
		quit:  make(chan struct{}),
	}
	jt.paused.Store(true)

	go jt.run()

	return jt
}

// jitterWindow returns the bounds of the tick interval. A negative jitter
// counts as zero and the lower bound never goes below zero.
func jitterWindow(d time.Duration, jitter float64) (time.Duration,
	time.Duration) {

	jitter = math.Max(jitter, 0)

	lo := math.Max(math.Floor(float64(d)*(1-jitter)), 0)
	hi := math.Ceil(float64(d) * (1 + jitter))

	return time.Duration(lo), time.Duration(hi)
}

// Ticks returns the tick channel.
func (jt *JitterTicker) Ticks() <-chan time.Time {
	return jt.ticks
}

// Resume starts delivering ticks.
func (jt *JitterTicker) Resume() {
	jt.paused.Store(false)
}

// Pause drops ticks until Resume is called.
func (jt *JitterTicker) Pause() {
	jt.paused.Store(true)
}

// Stop ends the ticker. It is safe to call more than once.
func (jt *JitterTicker) Stop() {
	jt.stopOnce.Do(func() { close(jt.quit) })
}

func (jt *JitterTicker) run() {
	timer := time.NewTimer(jt.interval())
	defer timer.Stop()

	for {
		select {
		case now := <-timer.C:
			timer.Reset(jt.interval())

			if jt.paused.Load() {
				continue
			}

			select {
			case jt.ticks <- now:
			default:
			}

		case <-jt.quit:
			return
		}
	}
}

// interval draws the delay until the next tick.
func (jt *JitterTicker) interval() time.Duration {
	if jt.hi <= jt.lo {
		return jt.lo
	}

	return jt.lo + time.Duration(rand.Int64N(int64(jt.hi-jt.lo)+1))
}
