package domain

type InstanceID string

// CommitEvent is broadcast to every widget instance in a document after a mutation is committed
type CommitEvent struct {
	// The instance whose interaction opened the committed batch
	Source InstanceID
	// Every instance that contributed claps to the batch, including Source
	Contributors map[InstanceID]int

	ResourceKey ResourceKey
	ClaimCount  int
	TotalClaps  int
}

func (e CommitEvent) ContributedBy(id InstanceID) bool {
	if e.Source == id {
		return true
	}
	_, ok := e.Contributors[id]
	return ok
}
