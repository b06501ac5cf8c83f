package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Amund211/applause/internal/adapters/cache"
	"github.com/Amund211/applause/internal/adapters/clapservice"
	"github.com/Amund211/applause/internal/adapters/claprepository"
	"github.com/Amund211/applause/internal/adapters/proofofwork"
	"github.com/Amund211/applause/internal/app"
	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/logging"
	"github.com/Amund211/applause/internal/pipeline"
	"github.com/Amund211/applause/internal/ratelimiting"
	"github.com/Amund211/applause/internal/reporting"
	"github.com/Amund211/applause/internal/strutils"
	"github.com/google/uuid"
)

const teardownTimeout = 10 * time.Second

type Stamper interface {
	app.Stamper
	Available() error
}

type Options struct {
	ViewCache  cache.Cache[domain.Aggregate]
	Service    clapservice.ClapService
	Repository claprepository.ClapRepository
	Stamper    Stamper

	Debounce    time.Duration
	AfterFunc   pipeline.AfterFunc
	RateLimiter ratelimiting.RateLimiter
	NewClientID func() string
}

type group struct {
	subscription *Subscription
	instances    map[domain.InstanceID]*Instance
}

// Document coordinates every widget instance on one page
type Document struct {
	ctx       context.Context
	opts      Options
	viewCache cache.Cache[domain.Aggregate]

	getAggregate  app.GetAggregateWithCache
	getClapRecord app.GetClapRecord
	commitClaps   app.CommitClaps

	bus            *Bus
	resourceRefs   *RefCounter
	groupRefs      *RefCounter
	stopRateLimits func()

	mutex     sync.Mutex
	pipelines map[domain.ResourceKey]*pipeline.Pipeline
	instances map[domain.ResourceKey]map[domain.InstanceID]*Instance
	groups    map[string]*group
	closed    bool
}

func New(ctx context.Context, opts Options) *Document {
	if opts.ViewCache == nil {
		opts.ViewCache = cache.NewBasicCache[domain.Aggregate]()
	}
	if opts.Repository == nil {
		opts.Repository = claprepository.NewMemory()
	}
	if opts.Stamper == nil {
		opts.Stamper = proofofwork.NewStamper(nil)
	}
	stopRateLimits := func() {}
	if opts.RateLimiter == nil {
		opts.RateLimiter, stopRateLimits = ratelimiting.NewTokenBucketRateLimiter(
			ratelimiting.RefillInterval(2*time.Second),
			ratelimiting.BurstSize(5),
			time.Now,
		)
	}

	return &Document{
		ctx:       context.WithoutCancel(ctx),
		opts:      opts,
		viewCache: opts.ViewCache,

		getAggregate:  app.BuildGetAggregateWithCache(opts.ViewCache, opts.Service),
		getClapRecord: app.BuildGetClapRecord(opts.Repository),
		commitClaps: app.BuildCommitClaps(
			opts.Stamper,
			opts.Service,
			opts.ViewCache,
			app.BuildRecordContribution(opts.Repository),
		),

		bus:            NewBus(),
		resourceRefs:   NewRefCounter(),
		groupRefs:      NewRefCounter(),
		stopRateLimits: stopRateLimits,

		pipelines: make(map[domain.ResourceKey]*pipeline.Pipeline),
		instances: make(map[domain.ResourceKey]map[domain.InstanceID]*Instance),
		groups:    make(map[string]*group),
	}
}

func (d *Document) Bus() *Bus {
	return d.bus
}

var ErrClosed = errors.New("document closed")

type MountOptions struct {
	URL string
	// Resolves a relative URL
	Base string
	// Instances with the same shared key share one subscription. Defaults to the instance's own id.
	SharedKey string
	OnChange  func(InstanceView)
}

// Mount attaches a widget instance for the resource at opts.URL.
// The aggregate is fetched in the background, wait for Ready before relying on View().Total.
func (d *Document) Mount(ctx context.Context, opts MountOptions) (*Instance, error) {
	key, err := strutils.NormalizeResourceURL(opts.URL, opts.Base)
	if err != nil {
		return nil, fmt.Errorf("failed to mount instance: %w", err)
	}

	id := domain.InstanceID(uuid.NewString())
	groupKey := opts.SharedKey
	if groupKey == "" {
		groupKey = string(id)
	}

	ctx = logging.AddMetaToContext(
		ctx,
		slog.String("instanceID", string(id)),
		slog.String("resource", key.String()),
	)
	ctx = reporting.AddExtrasToContext(ctx, map[string]string{
		"instanceID": string(id),
		"groupKey":   groupKey,
	})

	record, hasRecord := d.getClapRecord(ctx, key)

	instance := &Instance{
		doc:      d,
		id:       id,
		key:      key,
		groupKey: groupKey,
		onChange: opts.OnChange,
		ready:    make(chan struct{}),
		loading:  true,
		clapped:  hasRecord && record.Claps > 0,
	}

	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return nil, ErrClosed
	}

	if d.resourceRefs.Acquire(key.String()) {
		d.pipelines[key] = d.newPipeline(key)
		d.instances[key] = make(map[domain.InstanceID]*Instance)
	}
	d.instances[key][id] = instance
	p := d.pipelines[key]
	instance.pipeline = p

	if d.groupRefs.Acquire(groupKey) {
		g := &group{instances: make(map[domain.InstanceID]*Instance)}
		g.subscription = d.bus.Subscribe(func(event domain.CommitEvent) {
			d.deliverToGroup(g, event)
		})
		d.groups[groupKey] = g
	}
	d.groups[groupKey].instances[id] = instance
	d.mutex.Unlock()

	if err := d.opts.Stamper.Available(); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "Proof of work is unavailable, disabling claps", "error", err.Error())
		p.Disable(err)
	}

	logging.FromContext(ctx).InfoContext(ctx, "Mounted instance", "clapped", instance.clapped)

	go instance.load(ctx)

	return instance, nil
}

func (d *Document) newPipeline(key domain.ResourceKey) *pipeline.Pipeline {
	return pipeline.New(d.ctx, key, d.commitClaps, pipeline.Options{
		Debounce:    d.opts.Debounce,
		AfterFunc:   d.opts.AfterFunc,
		RateLimiter: d.opts.RateLimiter,
		NewClientID: d.opts.NewClientID,
		OnCommit:    d.onCommit,
		OnChange: func() {
			d.notifyResource(key)
		},
	})
}

func (d *Document) instancesFor(key domain.ResourceKey) []*Instance {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	instances := make([]*Instance, 0, len(d.instances[key]))
	for _, instance := range d.instances[key] {
		instances = append(instances, instance)
	}
	return instances
}

func (d *Document) notifyResource(key domain.ResourceKey) {
	for _, instance := range d.instancesFor(key) {
		instance.notify()
	}
}

// Contributors take the server total, then every other instance hears about the commit on the bus
func (d *Document) onCommit(event domain.CommitEvent) {
	for _, instance := range d.instancesFor(event.ResourceKey) {
		if event.ContributedBy(instance.id) {
			instance.reconcile(event.TotalClaps)
		}
	}

	d.bus.Publish(event)
}

func (d *Document) deliverToGroup(g *group, event domain.CommitEvent) {
	d.mutex.Lock()
	instances := make([]*Instance, 0, len(g.instances))
	for _, instance := range g.instances {
		instances = append(instances, instance)
	}
	d.mutex.Unlock()

	for _, instance := range instances {
		if instance.key != event.ResourceKey || event.ContributedBy(instance.id) {
			continue
		}
		instance.applySiblingCommit(event.ClaimCount)
	}
}

func (d *Document) detach(instance *Instance) {
	ctx := logging.AddMetaToContext(
		d.ctx,
		slog.String("instanceID", string(instance.id)),
		slog.String("resource", instance.key.String()),
	)

	d.mutex.Lock()
	delete(d.instances[instance.key], instance.id)
	if g, ok := d.groups[instance.groupKey]; ok {
		delete(g.instances, instance.id)
	}

	var closeSubscription *Subscription
	if d.groupRefs.Release(instance.groupKey) {
		if g, ok := d.groups[instance.groupKey]; ok {
			closeSubscription = g.subscription
			delete(d.groups, instance.groupKey)
		}
	}

	var teardown *pipeline.Pipeline
	if d.resourceRefs.Release(instance.key.String()) {
		teardown = d.pipelines[instance.key]
		delete(d.pipelines, instance.key)
		delete(d.instances, instance.key)
	}
	d.mutex.Unlock()

	if closeSubscription != nil {
		closeSubscription.Close()
	}

	if teardown != nil {
		d.teardownResource(ctx, teardown)
	}

	logging.FromContext(ctx).InfoContext(ctx, "Detached instance")
}

func (d *Document) teardownResource(ctx context.Context, p *pipeline.Pipeline) {
	flushCtx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()

	if err := p.Flush(flushCtx); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "Failed to flush claps at teardown", "error", err.Error())
	}
	p.Stop()
	d.viewCache.Invalidate(p.Key().String())
}

// Close flushes every pipeline and waits for running submissions. Mounting after Close fails.
func (d *Document) Close(ctx context.Context) error {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return nil
	}
	d.closed = true

	pipelines := make([]*pipeline.Pipeline, 0, len(d.pipelines))
	for _, p := range d.pipelines {
		pipelines = append(pipelines, p)
	}
	subscriptions := make([]*Subscription, 0, len(d.groups))
	for _, g := range d.groups {
		subscriptions = append(subscriptions, g.subscription)
	}
	d.mutex.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(pipelines))
	for i, p := range pipelines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Flush(ctx); err != nil {
				errs[i] = fmt.Errorf("failed to flush %s: %w", p.Key(), err)
			}
			p.Stop()
		}()
	}
	wg.Wait()

	for _, subscription := range subscriptions {
		subscription.Close()
	}
	d.stopRateLimits()

	return errors.Join(errs...)
}
