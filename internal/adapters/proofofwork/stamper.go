package proofofwork

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Capability computes proof-of-work nonces for a challenge
type Capability interface {
	// SelfTest reports whether the capability works in this environment
	SelfTest(ctx context.Context) error
	Solve(ctx context.Context, challenge string) (string, error)
}

type Stamper struct {
	capability Capability
	tracer     trace.Tracer

	selfTestOnce sync.Once
	selfTestErr  error
}

func NewStamper(capability Capability) *Stamper {
	return &Stamper{
		capability: capability,
		tracer:     otel.Tracer("applause/proofofwork"),
	}
}

// Challenge is the string a nonce is computed for
func Challenge(key domain.ResourceKey, claimCount int, clientID string) string {
	return key.String() + ":" + strconv.Itoa(claimCount) + ":" + clientID
}

// Available reports domain.ErrCapabilityUnavailable when there is no working capability.
// The self-test runs once.
func (s *Stamper) Available() error {
	if s.capability == nil {
		return fmt.Errorf("%w: no proof-of-work capability", domain.ErrCapabilityUnavailable)
	}

	s.selfTestOnce.Do(func() {
		if err := s.capability.SelfTest(context.Background()); err != nil {
			s.selfTestErr = fmt.Errorf("%w: self-test failed: %w", domain.ErrCapabilityUnavailable, err)
		}
	})
	return s.selfTestErr
}

// Stamp blocks until a nonce for the mutation has been computed
func (s *Stamper) Stamp(ctx context.Context, key domain.ResourceKey, claimCount int, clientID string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "Stamper.Stamp", trace.WithAttributes(
		attribute.Int("claim_count", claimCount),
	))
	defer span.End()

	if err := s.Available(); err != nil {
		return "", err
	}

	nonce, err := s.capability.Solve(ctx, Challenge(key, claimCount, clientID))
	if err != nil {
		err := fmt.Errorf("%w: failed to solve challenge: %w", domain.ErrCapabilityUnavailable, err)
		logging.FromContext(ctx).ErrorContext(ctx, "Failed to stamp mutation", "error", err.Error())
		return "", err
	}

	return nonce, nil
}
