package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/Amund211/applause/internal/adapters/cache"
	"github.com/Amund211/applause/internal/adapters/clapservice"
	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/logging"
	"github.com/Amund211/applause/internal/reporting"
	"github.com/Amund211/applause/internal/strutils"
)

type GetAggregateWithCache func(ctx context.Context, key domain.ResourceKey) (domain.Aggregate, error)

func getAggregateWithoutCache(ctx context.Context, service clapservice.ClapService, key domain.ResourceKey) (domain.Aggregate, error) {
	view, err := service.GetAggregates(ctx, []domain.ResourceKey{key})
	switch {
	case errors.Is(err, domain.ErrResourceNotFound):
		return domain.Aggregate{Claps: 0}, nil
	case errors.Is(err, domain.ErrPaymentRequired):
		return domain.Aggregate{}, err
	case errors.Is(err, domain.ErrRemoteUnavailable):
		// NOTE: ClapService implementations handle their own error reporting
		return domain.Aggregate{}, err
	case err != nil:
		return domain.Aggregate{}, fmt.Errorf("%w: %w", domain.ErrRemoteUnavailable, err)
	}

	return domain.Aggregate{Claps: view.ClapsFor(key)}, nil
}

func BuildGetAggregateWithCache(viewCache cache.Cache[domain.Aggregate], service clapservice.ClapService) GetAggregateWithCache {
	return func(ctx context.Context, key domain.ResourceKey) (domain.Aggregate, error) {
		if !strutils.ResourceURLIsNormalized(key) {
			logging.FromContext(ctx).ErrorContext(ctx, "Resource key is not normalized", "key", key.String())
			err := fmt.Errorf("%w: resource key is not normalized", domain.ErrInvalidResourceIdentifier)
			reporting.Report(ctx, err, map[string]string{"url": key.String()})
			return domain.Aggregate{}, err
		}

		aggregate, _, err := cache.GetOrCreate(ctx, viewCache, key.String(), func(ctx context.Context) (domain.Aggregate, error) {
			return getAggregateWithoutCache(ctx, service, key)
		})
		if err != nil {
			return domain.Aggregate{}, fmt.Errorf("failed to get aggregate: %w", err)
		}

		return aggregate, nil
	}
}
