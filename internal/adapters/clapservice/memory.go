package clapservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/Amund211/applause/internal/adapters/proofofwork"
	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/strutils"
)

// memoryClapService keeps totals in memory and verifies hashcash stamps like the real service
type memoryClapService struct {
	difficultyBits int

	totals map[domain.ResourceKey]int
	mutex  sync.Mutex
}

func NewMemoryClapService(difficultyBits int) *memoryClapService {
	return &memoryClapService{
		difficultyBits: difficultyBits,
		totals:         make(map[domain.ResourceKey]int),
	}
}

func (s *memoryClapService) GetAggregates(ctx context.Context, keys []domain.ResourceKey) (domain.AggregateView, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	view := domain.AggregateView{}
	for _, key := range keys {
		total, ok := s.totals[key]
		if !ok {
			continue
		}
		view[key] = domain.Aggregate{Claps: total}
	}

	if len(view) == 0 {
		return view, fmt.Errorf("no claps recorded for %d resources: %w", len(keys), domain.ErrResourceNotFound)
	}

	return view, nil
}

func (s *memoryClapService) SubmitClaps(ctx context.Context, mutation domain.Mutation) (int, error) {
	if mutation.ClaimCount <= 0 {
		return 0, fmt.Errorf("%w: claim count must be positive, got %d", domain.ErrSubmissionFailed, mutation.ClaimCount)
	}
	if !strutils.ResourceURLIsNormalized(mutation.ResourceKey) {
		return 0, fmt.Errorf("%w: resource key is not normalized", domain.ErrSubmissionFailed)
	}
	if !strutils.ClientIDIsNormalized(mutation.ClientID) {
		return 0, fmt.Errorf("%w: client id is not normalized", domain.ErrSubmissionFailed)
	}
	if !proofofwork.Verify(mutation.ResourceKey, mutation.ClaimCount, mutation.ClientID, mutation.Nonce, s.difficultyBits) {
		return 0, fmt.Errorf("%w: invalid proof of work", domain.ErrSubmissionFailed)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.totals[mutation.ResourceKey] += mutation.ClaimCount
	return s.totals[mutation.ResourceKey], nil
}
