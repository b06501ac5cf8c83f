package ratelimiting

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Allows at most limit operations to start within any window, and at most limit to run concurrently
type windowRequestLimiter struct {
	limit     int
	window    time.Duration
	nowFunc   func() time.Time
	afterFunc func(time.Duration) <-chan time.Time

	slots chan struct{}
	// Completion times of the last limit operations, oldest first
	completions []time.Time
	mutex       sync.Mutex
}

func NewWindowRequestLimiter(
	limit int,
	window time.Duration,
	nowFunc func() time.Time,
	afterFunc func(time.Duration) <-chan time.Time,
) *windowRequestLimiter {
	slots := make(chan struct{}, limit)
	for i := 0; i < limit; i++ {
		slots <- struct{}{}
	}

	// Pretend the history is old enough that the first operations don't wait
	completions := make([]time.Time, limit)
	longAgo := nowFunc().Add(-window)
	for i := range completions {
		completions[i] = longAgo
	}

	return &windowRequestLimiter{
		limit:     limit,
		window:    window,
		nowFunc:   nowFunc,
		afterFunc: afterFunc,

		slots:       slots,
		completions: completions,
	}
}

// Run operation once the window allows it.
//
// Returns false without running the operation if ctx is done first, or if ctx has a deadline that
// would pass before the wait plus maxOperationTime.
func (l *windowRequestLimiter) Limit(ctx context.Context, maxOperationTime time.Duration, operation func(ctx context.Context)) bool {
	select {
	case <-l.slots:
		defer func() {
			l.slots <- struct{}{}
		}()
	case <-ctx.Done():
		return false
	}

	oldest, ok := l.takeOldestCompletion(ctx, maxOperationTime)
	if !ok {
		return false
	}
	// Put back what we took if we bail, or the new completion time if we run
	completion := oldest
	defer func() {
		l.insertCompletion(completion)
	}()

	if wait := l.waitFor(oldest); wait > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-l.afterFunc(wait):
		}
	}

	operation(ctx)

	completion = l.nowFunc()
	return true
}

func (l *windowRequestLimiter) waitFor(completion time.Time) time.Duration {
	return l.window - l.nowFunc().Sub(completion)
}

func (l *windowRequestLimiter) takeOldestCompletion(ctx context.Context, maxOperationTime time.Duration) (time.Time, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	oldest := l.completions[0]

	if deadline, ok := ctx.Deadline(); ok {
		untilDeadline := deadline.Sub(l.nowFunc())
		if l.waitFor(oldest)+maxOperationTime > untilDeadline {
			return time.Time{}, false
		}
	}

	l.completions = l.completions[1:]
	return oldest, true
}

func (l *windowRequestLimiter) insertCompletion(completion time.Time) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	i, _ := slices.BinarySearchFunc(l.completions, completion, func(a, b time.Time) int {
		return a.Compare(b)
	})
	l.completions = slices.Insert(l.completions, i, completion)
}
