package pipeline_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const key = domain.ResourceKey("https://example.com/post")

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

type fakeClock struct {
	mutex  sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) pipeline.Timer {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	timer := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, timer)
	return &fakeTimerHandle{clock: c, timer: timer}
}

type fakeTimerHandle struct {
	clock *fakeClock
	timer *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.clock.mutex.Lock()
	defer h.clock.mutex.Unlock()

	wasActive := !h.timer.stopped && !h.timer.fired
	h.timer.stopped = true
	return wasActive
}

// Active timers in creation order
func (c *fakeClock) active() []*fakeTimer {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var active []*fakeTimer
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			active = append(active, timer)
		}
	}
	return active
}

// Fire the only active timer in the calling goroutine
func (c *fakeClock) fire(t *testing.T) time.Duration {
	t.Helper()

	active := c.active()
	require.Len(t, active, 1, "expected exactly one active timer")

	c.mutex.Lock()
	timer := active[0]
	timer.fired = true
	c.mutex.Unlock()

	timer.f()
	return timer.d
}

type commitCall struct {
	count    int
	clientID string
}

type fakeCommit struct {
	mutex sync.Mutex
	calls []commitCall
	total int
	errs  []error
	// When set, commit blocks until a value is received
	gate chan struct{}
	// Closed when a commit starts waiting on the gate
	started chan struct{}
}

func (f *fakeCommit) commit(ctx context.Context, k domain.ResourceKey, count int, clientID string) (int, error) {
	if f.gate != nil {
		f.started <- struct{}{}
		<-f.gate
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.calls = append(f.calls, commitCall{count: count, clientID: clientID})

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return 0, err
		}
	}

	f.total += count
	return f.total, nil
}

func (f *fakeCommit) counts() []int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	counts := []int{}
	for _, call := range f.calls {
		counts = append(counts, call.count)
	}
	return counts
}

type fakeRateLimiter struct {
	mutex   sync.Mutex
	denials []time.Duration
	calls   int
}

func (l *fakeRateLimiter) Consume(key string) (bool, time.Duration) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.calls++
	if len(l.denials) > 0 {
		delay := l.denials[0]
		l.denials = l.denials[1:]
		return false, delay
	}
	return true, 0
}

type recorder struct {
	mutex  sync.Mutex
	events []domain.CommitEvent
}

func (r *recorder) onCommit(event domain.CommitEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.events = append(r.events, event)
}

func (r *recorder) all() []domain.CommitEvent {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return append([]domain.CommitEvent{}, r.events...)
}

type harness struct {
	clock    *fakeClock
	commit   *fakeCommit
	limiter  *fakeRateLimiter
	recorder *recorder
	pipeline *pipeline.Pipeline
}

func newHarness(t *testing.T, commit *fakeCommit) *harness {
	t.Helper()

	clock := &fakeClock{}
	limiter := &fakeRateLimiter{}
	rec := &recorder{}

	var idMutex sync.Mutex
	nextID := 0

	p := pipeline.New(t.Context(), key, commit.commit, pipeline.Options{
		AfterFunc:   clock.AfterFunc,
		RateLimiter: limiter,
		NewClientID: func() string {
			idMutex.Lock()
			defer idMutex.Unlock()
			nextID++
			return fmt.Sprintf("client-%d", nextID)
		},
		OnCommit: rec.onCommit,
	})

	return &harness{
		clock:    clock,
		commit:   commit,
		limiter:  limiter,
		recorder: rec,
		pipeline: p,
	}
}

func TestPipeline(t *testing.T) {
	t.Parallel()

	const a = domain.InstanceID("a")
	const b = domain.InstanceID("b")

	t.Run("rapid interactions result in one submission", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, &fakeCommit{})

		for i := 0; i < 10; i++ {
			require.NoError(t, h.pipeline.Add(a))
		}
		require.Equal(t, pipeline.Snapshot{State: pipeline.Buffering, Buffered: 10}, h.pipeline.Snapshot())
		require.Equal(t, 10, h.pipeline.PendingFor(a))

		require.Equal(t, pipeline.DefaultDebounce, h.clock.fire(t))

		require.Equal(t, []int{10}, h.commit.counts())
		require.Equal(t, pipeline.Snapshot{State: pipeline.Idle}, h.pipeline.Snapshot())
		require.Equal(t, 0, h.pipeline.PendingFor(a))
		require.Equal(t, []domain.CommitEvent{{
			Source:       a,
			Contributors: map[domain.InstanceID]int{a: 10},
			ResourceKey:  key,
			ClaimCount:   10,
			TotalClaps:   10,
		}}, h.recorder.all())
	})

	t.Run("each window is submitted separately", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, &fakeCommit{})

		for i := 0; i < 3; i++ {
			require.NoError(t, h.pipeline.Add(a))
		}
		h.clock.fire(t)

		for i := 0; i < 2; i++ {
			require.NoError(t, h.pipeline.Add(a))
		}
		h.clock.fire(t)

		require.Equal(t, []int{3, 2}, h.commit.counts())
		events := h.recorder.all()
		require.Len(t, events, 2)
		require.Equal(t, 3, events[0].TotalClaps)
		require.Equal(t, 5, events[1].TotalClaps)

		// Every submission gets a fresh client id
		require.Equal(t, "client-1", h.commit.calls[0].clientID)
		require.Equal(t, "client-2", h.commit.calls[1].clientID)
	})

	t.Run("contributors and source", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, &fakeCommit{})

		require.NoError(t, h.pipeline.Add(b))
		require.NoError(t, h.pipeline.Add(a))
		require.NoError(t, h.pipeline.Add(b))
		require.Equal(t, 2, h.pipeline.PendingFor(b))
		require.Equal(t, 1, h.pipeline.PendingFor(a))

		h.clock.fire(t)

		events := h.recorder.all()
		require.Len(t, events, 1)
		require.Equal(t, b, events[0].Source)
		require.Equal(t, map[domain.InstanceID]int{a: 1, b: 2}, events[0].Contributors)
		require.Equal(t, 3, events[0].ClaimCount)
	})

	t.Run("transient failure keeps the count and retries", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, &fakeCommit{errs: []error{domain.ErrSubmissionFailed}})

		for i := 0; i < 3; i++ {
			require.NoError(t, h.pipeline.Add(a))
		}
		h.clock.fire(t)

		snapshot := h.pipeline.Snapshot()
		require.Equal(t, pipeline.Buffering, snapshot.State)
		require.Equal(t, 3, snapshot.Buffered)
		require.ErrorIs(t, snapshot.Err, domain.ErrSubmissionFailed)
		require.Equal(t, 3, h.pipeline.PendingFor(a))
		require.Empty(t, h.recorder.all())

		require.NoError(t, h.pipeline.Add(a))
		h.clock.fire(t)

		require.Equal(t, []int{3, 4}, h.commit.counts())
		require.Equal(t, pipeline.Snapshot{State: pipeline.Idle}, h.pipeline.Snapshot())
	})

	for _, disablingErr := range []error{domain.ErrCapabilityUnavailable, domain.ErrPaymentRequired} {
		t.Run(fmt.Sprintf("%s disables the pipeline", disablingErr), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, &fakeCommit{errs: []error{disablingErr}})

			for i := 0; i < 3; i++ {
				require.NoError(t, h.pipeline.Add(a))
			}
			h.clock.fire(t)

			snapshot := h.pipeline.Snapshot()
			require.Equal(t, pipeline.Disabled, snapshot.State)
			require.Equal(t, 3, snapshot.Buffered)
			require.ErrorIs(t, snapshot.Err, disablingErr)

			require.ErrorIs(t, h.pipeline.Add(a), disablingErr)
			require.Empty(t, h.clock.active())

			require.NoError(t, h.pipeline.Flush(t.Context()))
			require.Equal(t, []int{3}, h.commit.counts())
		})
	}

	t.Run("disable before any submission", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, &fakeCommit{})

		require.NoError(t, h.pipeline.Add(a))
		h.pipeline.Disable(domain.ErrCapabilityUnavailable)

		require.Empty(t, h.clock.active())
		require.ErrorIs(t, h.pipeline.Add(a), domain.ErrCapabilityUnavailable)
		require.Equal(t, pipeline.Disabled, h.pipeline.Snapshot().State)
		require.Equal(t, 1, h.pipeline.Snapshot().Buffered)
		require.Empty(t, h.commit.counts())
	})

	for _, tc := range []struct {
		name      string
		commitErr error
		committed int
	}{
		{name: "success", commitErr: nil, committed: 1},
		{name: "transient failure", commitErr: domain.ErrRemoteUnavailable, committed: 0},
	} {
		t.Run(fmt.Sprintf("disable during a running submission survives %s", tc.name), func(t *testing.T) {
			t.Parallel()

			commit := &fakeCommit{
				errs:    []error{tc.commitErr},
				gate:    make(chan struct{}),
				started: make(chan struct{}, 1),
			}
			h := newHarness(t, commit)

			require.NoError(t, h.pipeline.Add(a))

			fired := make(chan struct{})
			go func() {
				defer close(fired)
				h.clock.fire(t)
			}()
			<-commit.started

			require.NoError(t, h.pipeline.Add(b))
			h.pipeline.Disable(domain.ErrPaymentRequired)

			commit.gate <- struct{}{}
			<-fired

			snapshot := h.pipeline.Snapshot()
			require.Equal(t, pipeline.Disabled, snapshot.State)
			require.ErrorIs(t, snapshot.Err, domain.ErrPaymentRequired)
			require.Equal(t, 1+1-tc.committed, snapshot.Buffered)
			require.Zero(t, snapshot.InFlight)
			require.Len(t, h.recorder.all(), tc.committed)

			require.ErrorIs(t, h.pipeline.Add(a), domain.ErrPaymentRequired)
			require.Empty(t, h.clock.active())

			require.NoError(t, h.pipeline.Flush(t.Context()))
			require.Equal(t, []int{1}, commit.counts())
		})
	}

	t.Run("rate limited submission waits for the limiter", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, &fakeCommit{})
		h.limiter.denials = []time.Duration{7 * time.Second}

		require.NoError(t, h.pipeline.Add(a))
		require.NoError(t, h.pipeline.Add(a))
		h.clock.fire(t)

		require.Empty(t, h.commit.counts())
		require.Equal(t, 2, h.pipeline.Snapshot().Buffered)

		require.Equal(t, 7*time.Second, h.clock.fire(t))
		require.Equal(t, []int{2}, h.commit.counts())
	})

	t.Run("interactions during a submission go into a fresh buffer", func(t *testing.T) {
		t.Parallel()

		commit := &fakeCommit{gate: make(chan struct{}), started: make(chan struct{}, 1)}
		h := newHarness(t, commit)

		require.NoError(t, h.pipeline.Add(a))

		fired := make(chan struct{})
		go func() {
			defer close(fired)
			h.clock.fire(t)
		}()
		<-commit.started

		require.Equal(t, pipeline.Submitting, h.pipeline.Snapshot().State)
		require.NoError(t, h.pipeline.Add(b))
		require.NoError(t, h.pipeline.Add(b))

		snapshot := h.pipeline.Snapshot()
		require.Equal(t, pipeline.Submitting, snapshot.State)
		require.Equal(t, 2, snapshot.Buffered)
		require.Equal(t, 1, snapshot.InFlight)

		commit.gate <- struct{}{}
		<-fired

		require.Equal(t, pipeline.Buffering, h.pipeline.Snapshot().State)

		go func() {
			<-commit.started
			commit.gate <- struct{}{}
		}()
		h.clock.fire(t)

		require.Equal(t, []int{1, 2}, commit.counts())
		events := h.recorder.all()
		require.Len(t, events, 2)
		require.Equal(t, b, events[1].Source)
	})

	t.Run("flush submits without waiting for the debounce", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, &fakeCommit{})

		require.NoError(t, h.pipeline.Add(a))
		require.NoError(t, h.pipeline.Add(a))
		require.NoError(t, h.pipeline.Flush(t.Context()))

		require.Equal(t, []int{2}, h.commit.counts())
		require.Empty(t, h.clock.active())
		require.Equal(t, 1, h.limiter.calls)

		// Nothing left to flush
		require.NoError(t, h.pipeline.Flush(t.Context()))
		require.Equal(t, []int{2}, h.commit.counts())
	})

	t.Run("flush waits for a running submission", func(t *testing.T) {
		t.Parallel()

		commit := &fakeCommit{gate: make(chan struct{}), started: make(chan struct{}, 1)}
		h := newHarness(t, commit)

		require.NoError(t, h.pipeline.Add(a))
		go h.clock.fire(t)
		<-commit.started

		require.NoError(t, h.pipeline.Add(a))

		flushed := make(chan error)
		go func() {
			flushed <- h.pipeline.Flush(t.Context())
		}()

		commit.gate <- struct{}{}
		<-commit.started
		commit.gate <- struct{}{}

		require.NoError(t, <-flushed)
		require.Equal(t, []int{1, 1}, commit.counts())
	})

	t.Run("flush returns the submission error", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, &fakeCommit{errs: []error{assert.AnError}})

		require.NoError(t, h.pipeline.Add(a))
		require.ErrorIs(t, h.pipeline.Flush(t.Context()), assert.AnError)
		require.Equal(t, 1, h.pipeline.Snapshot().Buffered)
	})

	t.Run("stop cancels the debounce", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, &fakeCommit{})

		require.NoError(t, h.pipeline.Add(a))
		h.pipeline.Stop()

		require.Empty(t, h.clock.active())
		require.ErrorIs(t, h.pipeline.Add(a), pipeline.ErrStopped)
		require.Empty(t, h.commit.counts())
	})

	t.Run("state names", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, "idle", pipeline.Idle.String())
		require.Equal(t, "buffering", pipeline.Buffering.String())
		require.Equal(t, "submitting", pipeline.Submitting.String())
		require.Equal(t, "reconciling", pipeline.Reconciling.String())
		require.Equal(t, "disabled", pipeline.Disabled.String())
	})
}
