// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package retry holds the back-off policies that pace an operation after
// failures and decide when to give up on it.
package retry

import (
	"math/rand"
	"time"
)

// Stop indicates that no more retries should be made.
const Stop time.Duration = -1

type Backoff interface {
	// Next gets the duration to wait before retrying the operation or |Stop|
	// to indicate that no retries should be made.
	Next() time.Duration

	// Reset resets to initial state.
	Reset()
}

type maxTriesBackoff struct {
	backOff  Backoff
	maxTries uint64
	numTries uint64
}

func (b *maxTriesBackoff) Next() time.Duration {
	if b.maxTries <= b.numTries {
		return Stop
	}
	b.numTries++
	return b.backOff.Next()
}

func (b *maxTriesBackoff) Reset() {
	b.numTries = 0
	b.backOff.Reset()
}

// WithMaxRetries wraps a back-off which stops after |max| retries.
func WithMaxRetries(b Backoff, max uint64) Backoff {
	return &maxTriesBackoff{backOff: b, maxTries: max}
}

type clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type maxDurationBackoff struct {
	backOff     Backoff
	maxDuration time.Duration
	startTime   time.Time
	c           clock
}

func (b *maxDurationBackoff) Next() time.Duration {
	if b.c.Now().Sub(b.startTime) >= b.maxDuration {
		return Stop
	}
	return b.backOff.Next()
}

func (b *maxDurationBackoff) Reset() {
	b.startTime = b.c.Now()
	b.backOff.Reset()
}

// WithMaxDuration wraps a back-off which stops once |max| has elapsed since
// the last Reset.
func WithMaxDuration(b Backoff, max time.Duration) Backoff {
	return &maxDurationBackoff{backOff: b, maxDuration: max, c: systemClock{}}
}

// ExponentialBackoff grows the delay by a constant multiplier on every retry,
// up to a ceiling. Each delay below the ceiling gets up to |initial| of
// random jitter.
type ExponentialBackoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	next       time.Duration
}

func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	b := &ExponentialBackoff{initial: initial, max: max, multiplier: multiplier}
	b.Reset()
	return b
}

func (b *ExponentialBackoff) Reset() { b.next = b.initial }

func (b *ExponentialBackoff) Next() time.Duration {
	cur := b.next
	if cur >= b.max {
		return b.max
	}
	b.next = time.Duration(float64(cur) * b.multiplier)
	if b.initial > 0 {
		cur += time.Duration(rand.Int63n(int64(b.initial)))
	}
	return min(cur, b.max)
}
