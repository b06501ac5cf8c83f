package domain

// ResourceKey is an absolute URL without a fragment.
//
// Construct it with strutils.NormalizeResourceURL
type ResourceKey string

func (k ResourceKey) String() string {
	return string(k)
}

type Aggregate struct {
	Claps int
}

// AggregateView is the remote service's view of a batch of resources.
// Resources missing from the view have zero claps.
type AggregateView map[ResourceKey]Aggregate

func (v AggregateView) ClapsFor(key ResourceKey) int {
	aggregate, ok := v[key]
	if !ok {
		return 0
	}
	return aggregate.Claps
}

// ClapRecord is this client's own cumulative contribution to a resource
type ClapRecord struct {
	Claps int
}

// Merge adds a newly committed contribution to the record. The result is never smaller than the record.
func (r ClapRecord) Merge(claps int) ClapRecord {
	if claps <= 0 {
		return r
	}
	return ClapRecord{Claps: r.Claps + claps}
}

// Mutation is a stamped submission of claps for a single resource
type Mutation struct {
	ResourceKey ResourceKey
	ClaimCount  int
	ClientID    string
	Nonce       string
}
