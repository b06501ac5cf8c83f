package app

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Amund211/applause/internal/adapters/cache"
	"github.com/Amund211/applause/internal/adapters/clapservice"
	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/logging"
	"github.com/Amund211/applause/internal/reporting"
)

type Stamper interface {
	Stamp(ctx context.Context, key domain.ResourceKey, claimCount int, clientID string) (string, error)
}

// CommitClaps stamps and submits claimCount claps and returns the new total for the resource
type CommitClaps func(ctx context.Context, key domain.ResourceKey, claimCount int, clientID string) (int, error)

func BuildCommitClaps(
	stamper Stamper,
	service clapservice.ClapService,
	viewCache cache.Cache[domain.Aggregate],
	recordContribution RecordContribution,
) CommitClaps {
	return func(ctx context.Context, key domain.ResourceKey, claimCount int, clientID string) (int, error) {
		logger := logging.FromContext(ctx)

		nonce, err := stamper.Stamp(ctx, key, claimCount, clientID)
		if err != nil {
			err = fmt.Errorf("failed to stamp mutation: %w", err)
			reporting.Report(ctx, err, map[string]string{"url": key.String(), "claps": strconv.Itoa(claimCount)})
			return 0, err
		}

		total, err := service.SubmitClaps(ctx, domain.Mutation{
			ResourceKey: key,
			ClaimCount:  claimCount,
			ClientID:    clientID,
			Nonce:       nonce,
		})
		if err != nil {
			// NOTE: ClapService implementations handle their own error reporting
			return 0, fmt.Errorf("failed to submit claps: %w", err)
		}

		logger.InfoContext(ctx, "Committed claps", "key", key.String(), "claps", claimCount, "total", total)

		viewCache.Invalidate(key.String())
		recordContribution(ctx, key, claimCount)

		return total, nil
	}
}
