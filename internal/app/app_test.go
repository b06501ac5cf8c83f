package app

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Amund211/applause/internal/domain"
)

const key = domain.ResourceKey("https://example.com/post")
const clientID = "01234567-89ab-cdef-0123-456789abcdef"

type mockedClapService struct {
	getCalls atomic.Int64

	mutex     sync.Mutex
	view      domain.AggregateView
	getErr    error
	submitErr error
	total     int
	submitted []domain.Mutation
}

func (m *mockedClapService) GetAggregates(ctx context.Context, keys []domain.ResourceKey) (domain.AggregateView, error) {
	m.getCalls.Add(1)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.view, m.getErr
}

func (m *mockedClapService) SubmitClaps(ctx context.Context, mutation domain.Mutation) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.submitErr != nil {
		return 0, m.submitErr
	}

	m.submitted = append(m.submitted, mutation)
	m.total += mutation.ClaimCount
	m.view = domain.AggregateView{mutation.ResourceKey: {Claps: m.total}}
	return m.total, nil
}

type mockedStamper struct {
	err error
}

func (m *mockedStamper) Stamp(ctx context.Context, key domain.ResourceKey, claimCount int, clientID string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "nonce", nil
}

type failingRepository struct{}

func (failingRepository) GetClapRecord(ctx context.Context, key domain.ResourceKey) (domain.ClapRecord, error) {
	return domain.ClapRecord{}, context.DeadlineExceeded
}

func (failingRepository) MergeClapRecord(ctx context.Context, key domain.ResourceKey, claps int) (domain.ClapRecord, error) {
	return domain.ClapRecord{}, context.DeadlineExceeded
}
