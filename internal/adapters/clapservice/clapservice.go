package clapservice

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Amund211/applause/internal/config"
	"github.com/Amund211/applause/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ClapService is the remote counting service
type ClapService interface {
	// GetAggregates returns the view for the given keys.
	//
	// Returns domain.ErrResourceNotFound when the service knows none of the keys,
	// and domain.ErrPaymentRequired when the service refuses to serve the site.
	GetAggregates(ctx context.Context, keys []domain.ResourceKey) (domain.AggregateView, error)

	// SubmitClaps commits a stamped mutation and returns the new total for the resource
	SubmitClaps(ctx context.Context, mutation domain.Mutation) (int, error)
}

type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

func NewInstrumentedHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}

func NewClapServiceOrMock(conf config.Config, httpClient HttpClient) (ClapService, error) {
	if conf.APIURL() != "" {
		return NewHTTPClapService(httpClient, conf.APIURL(), time.Now, time.After)
	}
	if conf.IsDevelopment() {
		return NewMemoryClapService(conf.PowDifficulty()), nil
	}
	return nil, fmt.Errorf("missing API URL in non-development environment")
}
