// Package backoff is the generic exponential-backoff policy object
// called for by spec.md §9 ("ad-hoc retry/reconnect loops duplicated
// in client and WS bus ... extract as a generic exponential-backoff
// policy object with configurable base, factor, cap, jitter, and max
// attempts").
//
// The retry/attempt-budget shape is grounded on the retrieved
// r3e-network-service_layer gasbank settlement poller
// (NewTimeoutResolver / SettlementPoller.scheduleNext), reimplemented
// here as a standalone, dependency-free policy rather than a bespoke
// poller goroutine. Its one caller is cmd/hackd's startup dial of the
// durable store; effect transactions are not retried with it.
package backoff

import (
	"math/rand"
	"time"
)

// Policy configures an exponential backoff sequence.
type Policy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	Jitter      float64 // fraction of the computed delay to randomize, [0,1]
	MaxAttempts int     // 0 means unlimited
}

// Default mirrors spec.md §6's reconnection policy: 5s base, doubling,
// capped, with a small jitter.
func Default() Policy {
	return Policy{
		Base:        5 * time.Second,
		Factor:      2,
		Cap:         2 * time.Minute,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

// Delay returns the backoff delay before attempt n (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if time.Duration(d) > p.Cap && p.Cap > 0 {
			d = float64(p.Cap)
			break
		}
	}
	if p.Jitter > 0 {
		delta := d * p.Jitter
		d = d - delta + rand.Float64()*2*delta
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt exceeds the configured budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
