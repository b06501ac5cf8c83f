package document

import (
	"context"
	"errors"
	"sync"

	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/logging"
	"github.com/Amund211/applause/internal/pipeline"
)

var ErrDetached = errors.New("instance detached")

// InstanceView is what a widget instance renders
type InstanceView struct {
	ResourceKey domain.ResourceKey
	// Committed claps plus this instance's pending claps
	Total int
	// Claps from this instance that are not committed yet
	Pending int
	// Whether this client has clapped for the resource
	Clapped bool
	// Set until the first aggregate fetch completes
	Loading bool

	Disabled       bool
	DisabledReason error

	State pipeline.State
	Err   error
}

type Instance struct {
	doc      *Document
	id       domain.InstanceID
	key      domain.ResourceKey
	groupKey string
	pipeline *pipeline.Pipeline
	onChange func(InstanceView)

	ready     chan struct{}
	readyOnce sync.Once

	mutex sync.Mutex
	// Last committed total known to this instance
	committed int
	// Bumped for every commit applied to committed
	commitGen uint64
	clapped   bool
	loading   bool
	err       error
	detached  bool
}

func (i *Instance) ID() domain.InstanceID {
	return i.id
}

func (i *Instance) ResourceKey() domain.ResourceKey {
	return i.key
}

// Ready is closed when the first aggregate fetch completes, successfully or not
func (i *Instance) Ready() <-chan struct{} {
	return i.ready
}

func (i *Instance) View() InstanceView {
	snapshot := i.pipeline.Snapshot()
	pending := i.pipeline.PendingFor(i.id)

	i.mutex.Lock()
	defer i.mutex.Unlock()

	view := InstanceView{
		ResourceKey: i.key,
		Total:       i.committed + pending,
		Pending:     pending,
		Clapped:     i.clapped,
		Loading:     i.loading,
		State:       snapshot.State,
		Err:         i.err,
	}
	if snapshot.Err != nil {
		view.Err = snapshot.Err
	}
	if snapshot.State == pipeline.Disabled {
		view.Disabled = true
		view.DisabledReason = snapshot.Err
	}
	return view
}

func (i *Instance) notify() {
	if i.onChange == nil {
		return
	}

	i.mutex.Lock()
	detached := i.detached
	i.mutex.Unlock()
	if detached {
		return
	}

	i.onChange(i.View())
}

// Clap registers one clap from this instance
func (i *Instance) Clap() error {
	i.mutex.Lock()
	if i.detached {
		i.mutex.Unlock()
		return ErrDetached
	}
	i.mutex.Unlock()

	if err := i.pipeline.Add(i.id); err != nil {
		return err
	}

	i.mutex.Lock()
	i.clapped = true
	i.mutex.Unlock()
	i.notify()
	return nil
}

func (i *Instance) load(ctx context.Context) {
	defer i.readyOnce.Do(func() { close(i.ready) })

	if err := i.fetch(ctx, false); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "Failed to load aggregate", "error", err.Error())
	}
}

// Refresh fetches the aggregate through the shared memo
func (i *Instance) Refresh(ctx context.Context) error {
	return i.fetch(ctx, true)
}

// A fetch that overlaps a commit may return a total from before it.
// The commit has invalidated the memo by the time it is applied, so a retry sees it.
const maxFetchAttempts = 3

// The first fetch may race with commits this instance already applied, so it never lowers the total
func (i *Instance) fetch(ctx context.Context, authoritative bool) error {
	for attempt := 1; ; attempt++ {
		i.mutex.Lock()
		gen := i.commitGen
		i.mutex.Unlock()

		aggregate, err := i.doc.getAggregate(ctx, i.key)
		if errors.Is(err, domain.ErrPaymentRequired) {
			i.pipeline.Disable(err)
		}

		i.mutex.Lock()
		overlapped := i.commitGen != gen
		if err == nil && overlapped && attempt < maxFetchAttempts {
			i.mutex.Unlock()
			logging.FromContext(ctx).DebugContext(ctx, "Commit landed during fetch, fetching again", "attempt", attempt)
			continue
		}

		i.loading = false
		if err != nil {
			i.err = err
		} else {
			i.err = nil
			if authoritative && !overlapped {
				i.committed = aggregate.Claps
			} else {
				i.committed = max(i.committed, aggregate.Claps)
			}
		}
		i.mutex.Unlock()

		i.notify()
		return err
	}
}

// The instance contributed to a commit, take the server's total
func (i *Instance) reconcile(total int) {
	i.mutex.Lock()
	i.committed = total
	i.commitGen++
	i.clapped = true
	i.mutex.Unlock()

	i.notify()
}

// Another instance on the same resource committed claps
func (i *Instance) applySiblingCommit(claimCount int) {
	i.mutex.Lock()
	i.committed += claimCount
	i.commitGen++
	i.clapped = true
	i.mutex.Unlock()

	i.notify()
}

// Detach unmounts the instance. Safe to call more than once.
func (i *Instance) Detach() {
	i.mutex.Lock()
	if i.detached {
		i.mutex.Unlock()
		return
	}
	i.detached = true
	i.mutex.Unlock()

	i.doc.detach(i)
}
