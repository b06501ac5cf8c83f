package claprepository

import (
	"context"

	"github.com/Amund211/applause/internal/domain"
)

// ClapRepository durably stores this client's own contribution per resource
type ClapRepository interface {
	// GetClapRecord returns domain.ErrResourceNotFound when nothing is stored for key
	GetClapRecord(ctx context.Context, key domain.ResourceKey) (domain.ClapRecord, error)

	// MergeClapRecord adds claps to the stored record and returns the result.
	// The stored record never decreases.
	MergeClapRecord(ctx context.Context, key domain.ResourceKey, claps int) (domain.ClapRecord, error)
}
