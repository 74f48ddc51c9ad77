package client

import (
	"errors"
	"sync"
	"time"
)

// ErrPushRejected is returned while the breaker is open and the cooldown
// has not yet elapsed; the guarded operation is not attempted.
var ErrPushRejected = errors.New("client: downstream unhealthy, push rejected")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerProbe
)

// Breaker sheds pushes to a failing downstream. After threshold
// consecutive failures it rejects everything for one cooldown period,
// then admits a single probe; the probe's outcome decides whether the
// circuit closes again or reopens. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	state    breakerState
	failures int
	openedAt time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Do runs op if the breaker admits it and feeds the outcome back into
// the state machine.
func (b *Breaker) Do(op func() error) error {
	if !b.admit() {
		return ErrPushRejected
	}
	err := op()
	b.record(err == nil)
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen {
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = breakerProbe
	}
	return true
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.state = breakerClosed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == breakerProbe || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

// Open reports whether the breaker is currently rejecting pushes.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && time.Since(b.openedAt) < b.cooldown
}
