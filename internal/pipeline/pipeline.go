package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/Amund211/applause/internal/app"
	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/logging"
	"github.com/Amund211/applause/internal/ratelimiting"
	"github.com/Amund211/applause/internal/reporting"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const DefaultDebounce = 2500 * time.Millisecond

var ErrStopped = errors.New("pipeline stopped")

type State int

const (
	Idle State = iota
	Buffering
	Submitting
	Reconciling
	Disabled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Buffering:
		return "buffering"
	case Submitting:
		return "submitting"
	case Reconciling:
		return "reconciling"
	case Disabled:
		return "disabled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Timer interface {
	Stop() bool
}

// AfterFunc calls f in its own goroutine after d, like time.AfterFunc
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Snapshot struct {
	State State
	// Claps waiting for the debounce, including claps from failed submissions
	Buffered int
	// Claps in the submission currently running
	InFlight int
	// The error of the last failed submission, cleared by the next success
	Err error
}

type Options struct {
	Debounce    time.Duration
	AfterFunc   AfterFunc
	RateLimiter ratelimiting.RateLimiter
	NewClientID func() string

	// Called after each successful submission, before the pipeline leaves Reconciling
	OnCommit func(event domain.CommitEvent)
	// Called after every state change. Read the new state with Snapshot.
	OnChange func()
}

type pipelineMetricsCollection struct {
	submissionCount metric.Int64Counter
	clapsCommitted  metric.Int64Counter
}

var metrics pipelineMetricsCollection

func init() {
	meter := otel.Meter("applause/pipeline")

	submissionCount, err := meter.Int64Counter("pipeline/submission_count")
	if err != nil {
		panic(fmt.Errorf("failed to create submission count metric: %w", err))
	}
	clapsCommitted, err := meter.Int64Counter("pipeline/claps_committed")
	if err != nil {
		panic(fmt.Errorf("failed to create claps committed metric: %w", err))
	}

	metrics = pipelineMetricsCollection{
		submissionCount: submissionCount,
		clapsCommitted:  clapsCommitted,
	}
}

type batch struct {
	source       domain.InstanceID
	contributors map[domain.InstanceID]int
	count        int
}

func (b *batch) add(contributor domain.InstanceID, count int) {
	if b.count == 0 {
		b.source = contributor
	}
	if b.contributors == nil {
		b.contributors = make(map[domain.InstanceID]int)
	}
	b.contributors[contributor] += count
	b.count += count
}

// Put an older batch in front of this one
func (b *batch) prepend(older batch) {
	if older.count == 0 {
		return
	}
	merged := make(map[domain.InstanceID]int, len(older.contributors)+len(b.contributors))
	maps.Copy(merged, older.contributors)
	for id, count := range b.contributors {
		merged[id] += count
	}
	b.contributors = merged
	b.source = older.source
	b.count += older.count
}

// Pipeline coalesces the claps for one resource into debounced, rate limited submissions.
// At most one submission runs at a time.
type Pipeline struct {
	key    domain.ResourceKey
	commit app.CommitClaps
	opts   Options
	ctx    context.Context

	mutex      sync.Mutex
	state      State
	buffer     batch
	inFlight   batch
	flightDone chan struct{}
	timer      Timer
	timerGen   uint64
	lastErr    error
	stopped    bool
}

// New creates the pipeline for key. ctx carries the logger and reporting metadata for submissions,
// its cancellation does not cancel them.
func New(ctx context.Context, key domain.ResourceKey, commit app.CommitClaps, opts Options) *Pipeline {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	if opts.RateLimiter == nil {
		opts.RateLimiter = ratelimiting.NewUnlimited()
	}
	if opts.NewClientID == nil {
		opts.NewClientID = uuid.NewString
	}

	ctx = logging.AddMetaToContext(ctx, slog.String("resource", key.String()))
	ctx = reporting.AddTagsToContext(ctx, map[string]string{"resource": key.String()})

	return &Pipeline{
		key:    key,
		commit: commit,
		opts:   opts,
		ctx:    context.WithoutCancel(ctx),
		state:  Idle,
	}
}

func (p *Pipeline) Key() domain.ResourceKey {
	return p.key
}

func (p *Pipeline) Snapshot() Snapshot {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.snapshotLocked()
}

func (p *Pipeline) snapshotLocked() Snapshot {
	return Snapshot{
		State:    p.state,
		Buffered: p.buffer.count,
		InFlight: p.inFlight.count,
		Err:      p.lastErr,
	}
}

// PendingFor returns the claps from contributor that are not committed yet
func (p *Pipeline) PendingFor(contributor domain.InstanceID) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.buffer.contributors[contributor] + p.inFlight.contributors[contributor]
}

func (p *Pipeline) notify() {
	if p.opts.OnChange != nil {
		p.opts.OnChange()
	}
}

// Add buffers a clap from contributor and restarts the debounce.
// Returns the reason when the pipeline is disabled.
func (p *Pipeline) Add(contributor domain.InstanceID) error {
	p.mutex.Lock()
	switch {
	case p.stopped:
		p.mutex.Unlock()
		return ErrStopped
	case p.state == Disabled:
		err := p.lastErr
		p.mutex.Unlock()
		return err
	}

	p.buffer.add(contributor, 1)
	if p.state == Idle {
		p.state = Buffering
	}
	p.armLocked(p.opts.Debounce)
	p.mutex.Unlock()

	p.notify()
	return nil
}

func (p *Pipeline) armLocked(d time.Duration) {
	p.stopTimerLocked()
	gen := p.timerGen
	p.timer = p.opts.AfterFunc(d, func() {
		p.expire(gen)
	})
}

func (p *Pipeline) stopTimerLocked() {
	p.timerGen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Pipeline) expire(gen uint64) {
	p.mutex.Lock()
	if gen != p.timerGen {
		// Restarted or stopped after this timer fired
		p.mutex.Unlock()
		return
	}
	p.timer = nil
	if p.stopped || p.state == Disabled || p.flightDone != nil || p.buffer.count == 0 {
		// A running submission re-arms the timer when it completes
		p.mutex.Unlock()
		return
	}

	if ok, delay := p.opts.RateLimiter.Consume(p.key.String()); !ok {
		logging.FromContext(p.ctx).InfoContext(p.ctx, "Submission rate limited", "delay", delay.String(), "buffered", p.buffer.count)
		metrics.submissionCount.Add(p.ctx, 1, metric.WithAttributes(attribute.String("outcome", "rate_limited")))
		p.armLocked(delay)
		p.mutex.Unlock()
		return
	}

	b, done := p.captureLocked()
	p.mutex.Unlock()
	p.notify()

	p.submit(b, done)
}

// Move the buffer into flight. Must hold the lock and check that nothing is in flight.
func (p *Pipeline) captureLocked() (batch, chan struct{}) {
	b := p.buffer
	p.buffer = batch{}
	p.inFlight = b
	p.flightDone = make(chan struct{})
	p.state = Submitting
	return b, p.flightDone
}

func (p *Pipeline) submit(b batch, done chan struct{}) error {
	ctx := p.ctx
	clientID := p.opts.NewClientID()

	total, err := p.commit(ctx, p.key, b.count, clientID)

	if err != nil {
		p.fail(ctx, b, done, err)
		return err
	}

	metrics.submissionCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
	metrics.clapsCommitted.Add(ctx, int64(b.count))

	p.mutex.Lock()
	p.inFlight = batch{}
	if p.state != Disabled {
		p.state = Reconciling
		p.lastErr = nil
	}
	p.mutex.Unlock()
	p.notify()

	if p.opts.OnCommit != nil {
		p.opts.OnCommit(domain.CommitEvent{
			Source:       b.source,
			Contributors: b.contributors,
			ResourceKey:  p.key,
			ClaimCount:   b.count,
			TotalClaps:   total,
		})
	}

	p.mutex.Lock()
	p.flightDone = nil
	close(done)
	switch {
	case p.state == Disabled:
		// Disabled while the submission was running
	case p.buffer.count > 0:
		p.state = Buffering
		if !p.stopped {
			p.armLocked(p.opts.Debounce)
		}
	default:
		p.state = Idle
	}
	p.mutex.Unlock()
	p.notify()

	return nil
}

func (p *Pipeline) fail(ctx context.Context, b batch, done chan struct{}, err error) {
	disable := errors.Is(err, domain.ErrCapabilityUnavailable) || errors.Is(err, domain.ErrPaymentRequired)

	outcome := "failure"
	if disable {
		outcome = "disabled"
	}
	metrics.submissionCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	logging.FromContext(ctx).WarnContext(ctx, "Submission failed", "claps", b.count, "disable", disable, "error", err.Error())

	p.mutex.Lock()
	p.buffer.prepend(b)
	p.inFlight = batch{}
	p.flightDone = nil
	close(done)
	switch {
	case p.state == Disabled:
		// Keep the reason the pipeline was disabled with
	case disable:
		p.lastErr = err
		p.state = Disabled
		p.stopTimerLocked()
	default:
		p.lastErr = err
		p.state = Buffering
		if !p.stopped {
			p.armLocked(p.opts.Debounce)
		}
	}
	p.mutex.Unlock()
	p.notify()
}

// Disable stops all future submissions. Buffered claps stay visible.
func (p *Pipeline) Disable(reason error) {
	p.mutex.Lock()
	if p.state == Disabled {
		p.mutex.Unlock()
		return
	}
	p.state = Disabled
	p.lastErr = reason
	p.stopTimerLocked()
	p.mutex.Unlock()
	p.notify()
}

// Flush submits buffered claps now without waiting for the debounce, after any running submission.
// Returns the error of a failed submission.
func (p *Pipeline) Flush(ctx context.Context) error {
	for {
		p.mutex.Lock()
		if p.state == Disabled || (p.buffer.count == 0 && p.flightDone == nil) {
			p.mutex.Unlock()
			return nil
		}

		if done := p.flightDone; done != nil {
			p.mutex.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return fmt.Errorf("stopped waiting for submission: %w", ctx.Err())
			}
		}

		p.stopTimerLocked()
		// Consume a token so later submissions are still limited, but don't wait for it
		p.opts.RateLimiter.Consume(p.key.String())
		b, done := p.captureLocked()
		p.mutex.Unlock()
		p.notify()

		if err := p.submit(b, done); err != nil {
			return err
		}
	}
}

// Stop cancels the debounce. A running submission completes but nothing new is submitted.
func (p *Pipeline) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.stopped = true
	p.stopTimerLocked()
}
