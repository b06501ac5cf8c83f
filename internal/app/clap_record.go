package app

import (
	"context"
	"errors"
	"time"

	"github.com/Amund211/applause/internal/adapters/claprepository"
	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/logging"
)

const repositoryTimeout = 1 * time.Second

// GetClapRecord returns this client's stored contribution, and whether there is one.
// Storage failures count as no record.
type GetClapRecord func(ctx context.Context, key domain.ResourceKey) (domain.ClapRecord, bool)

func BuildGetClapRecord(repo claprepository.ClapRepository) GetClapRecord {
	return func(ctx context.Context, key domain.ResourceKey) (domain.ClapRecord, bool) {
		ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
		defer cancel()

		record, err := repo.GetClapRecord(ctx, key)
		if errors.Is(err, domain.ErrResourceNotFound) {
			return domain.ClapRecord{}, false
		} else if err != nil {
			// NOTE: ClapRepository implementations handle their own error reporting
			logging.FromContext(ctx).WarnContext(ctx, "Failed to get clap record", "key", key.String(), "error", err.Error())
			return domain.ClapRecord{}, false
		}

		return record, true
	}
}

// RecordContribution merges a committed contribution into the stored record.
// Storage failures are logged and otherwise ignored.
type RecordContribution func(ctx context.Context, key domain.ResourceKey, claps int)

func BuildRecordContribution(repo claprepository.ClapRepository) RecordContribution {
	return func(ctx context.Context, key domain.ResourceKey, claps int) {
		// Store even if the caller has given up
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), repositoryTimeout)
		defer cancel()

		record, err := repo.MergeClapRecord(ctx, key, claps)
		if err != nil {
			logging.FromContext(ctx).ErrorContext(ctx, "Failed to store clap record", "key", key.String(), "claps", claps, "error", err.Error())
			return
		}

		logging.FromContext(ctx).InfoContext(ctx, "Stored clap record", "key", key.String(), "claps", record.Claps)
	}
}
