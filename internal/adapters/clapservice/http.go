package clapservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Amund211/applause/internal/constants"
	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/logging"
	"github.com/Amund211/applause/internal/ratelimiting"
	"github.com/Amund211/applause/internal/reporting"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const requestMinOperationTime = 200 * time.Millisecond

type RequestLimiter interface {
	Limit(ctx context.Context, minOperationTime time.Duration, operation func(ctx context.Context)) bool
}

type clapServiceMetricsCollection struct {
	requestCount metric.Int64Counter
}

func setupClapServiceMetrics(meter metric.Meter) (clapServiceMetricsCollection, error) {
	requestCount, err := meter.Int64Counter("clapservice/http/request_count")
	if err != nil {
		return clapServiceMetricsCollection{}, fmt.Errorf("failed to create request count metric: %w", err)
	}

	return clapServiceMetricsCollection{
		requestCount: requestCount,
	}, nil
}

type httpClapService struct {
	httpClient HttpClient
	apiURL     string
	limiter    RequestLimiter

	metrics clapServiceMetricsCollection
	tracer  trace.Tracer
}

func NewHTTPClapService(httpClient HttpClient, apiURL string, nowFunc func() time.Time, afterFunc func(time.Duration) <-chan time.Time) (*httpClapService, error) {
	const name = "applause/clapservice/http"

	metrics, err := setupClapServiceMetrics(otel.Meter(name))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	return &httpClapService{
		httpClient: httpClient,
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		limiter:    ratelimiting.NewWindowRequestLimiter(60, time.Minute, nowFunc, afterFunc),

		metrics: metrics,
		tracer:  otel.Tracer(name),
	}, nil
}

// Send a JSON POST through the limiter and return the status code and body
func (s *httpClapService) post(ctx context.Context, endpoint string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return -1, nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.apiURL+endpoint, bytes.NewReader(body))
	if err != nil {
		err := fmt.Errorf("failed to create request: %w", err)
		reporting.Report(ctx, err)
		return -1, nil, err
	}
	req.Header.Set("User-Agent", constants.USER_AGENT)
	req.Header.Set("Content-Type", "application/json")

	var resp *http.Response
	var data []byte
	ran := s.limiter.Limit(ctx, requestMinOperationTime, func(ctx context.Context) {
		start := time.Now()

		resp, err = s.httpClient.Do(req)
		if err != nil {
			err = fmt.Errorf("failed to send request: %w", err)
			reporting.Report(ctx, err)
			return
		}

		defer resp.Body.Close()
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			err = fmt.Errorf("failed to read response body: %w", err)
			reporting.Report(ctx, err)
			return
		}

		logging.FromContext(ctx).InfoContext(ctx, "Clap service request completed", "endpoint", endpoint, "status", resp.StatusCode, "duration", time.Since(start).String())
	})
	if !ran {
		logging.FromContext(ctx).WarnContext(ctx, "Did not send clap service request due to rate limiting", "endpoint", endpoint, "ctx_error", ctx.Err())
		return -1, nil, fmt.Errorf("too many requests to clap service")
	}
	if err != nil {
		return -1, nil, err
	}

	s.metrics.requestCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status_code", strconv.Itoa(resp.StatusCode)),
	))

	return resp.StatusCode, data, nil
}

func (s *httpClapService) GetAggregates(ctx context.Context, keys []domain.ResourceKey) (domain.AggregateView, error) {
	ctx, span := s.tracer.Start(ctx, "ClapService.GetAggregates", trace.WithAttributes(
		attribute.Int("key_count", len(keys)),
	))
	defer span.End()

	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		urls = append(urls, key.String())
	}

	statusCode, data, err := s.post(ctx, "/get-multiple", urls)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRemoteUnavailable, err)
	}

	view, err := viewFromResponse(statusCode, data)
	if err != nil {
		if statusCode >= 500 || statusCode == http.StatusOK {
			reporting.Report(ctx, fmt.Errorf("failed to get aggregates: %w", err), map[string]string{
				"status": strconv.Itoa(statusCode),
				"data":   string(data),
			})
		}
		return nil, err
	}

	return view, nil
}

func (s *httpClapService) SubmitClaps(ctx context.Context, mutation domain.Mutation) (int, error) {
	ctx, span := s.tracer.Start(ctx, "ClapService.SubmitClaps", trace.WithAttributes(
		attribute.Int("claim_count", mutation.ClaimCount),
	))
	defer span.End()

	endpoint := "/update-claps?url=" + url.QueryEscape(mutation.ResourceKey.String())
	statusCode, data, err := s.post(ctx, endpoint, submitRequest{
		Claps: mutation.ClaimCount,
		ID:    mutation.ClientID,
		Nonce: mutation.Nonce,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrSubmissionFailed, err)
	}

	total, err := totalFromSubmitResponse(statusCode, data)
	if err != nil {
		if statusCode >= 500 || statusCode == http.StatusOK {
			reporting.Report(ctx, fmt.Errorf("failed to submit claps: %w", err), map[string]string{
				"status": strconv.Itoa(statusCode),
				"data":   string(data),
			})
		}
		return 0, err
	}

	return total, nil
}

type aggregateResponse struct {
	URL   string `json:"url"`
	Claps int    `json:"claps"`
}

type submitRequest struct {
	Claps int    `json:"claps"`
	ID    string `json:"id"`
	Nonce string `json:"nonce"`
}

type submitResponse struct {
	Claps *int `json:"claps"`
}

func viewFromResponse(statusCode int, data []byte) (domain.AggregateView, error) {
	switch statusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return domain.AggregateView{}, fmt.Errorf("clap service returned status code %d: %w", statusCode, domain.ErrResourceNotFound)
	case http.StatusPaymentRequired:
		return nil, fmt.Errorf("clap service returned status code %d: %w", statusCode, domain.ErrPaymentRequired)
	default:
		return nil, fmt.Errorf("clap service returned status code %d: %w", statusCode, domain.ErrRemoteUnavailable)
	}

	var response []aggregateResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("%w: failed to parse aggregate response: %w", domain.ErrRemoteUnavailable, err)
	}

	view := make(domain.AggregateView, len(response))
	for _, aggregate := range response {
		key := domain.ResourceKey(aggregate.URL)
		view[key] = domain.Aggregate{Claps: view.ClapsFor(key) + aggregate.Claps}
	}
	return view, nil
}

func totalFromSubmitResponse(statusCode int, data []byte) (int, error) {
	switch statusCode {
	case http.StatusOK:
	case http.StatusPaymentRequired:
		return 0, fmt.Errorf("clap service returned status code %d: %w", statusCode, domain.ErrPaymentRequired)
	default:
		return 0, fmt.Errorf("clap service returned status code %d: %w", statusCode, domain.ErrSubmissionFailed)
	}

	var response submitResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return 0, fmt.Errorf("%w: failed to parse submit response: %w", domain.ErrSubmissionFailed, err)
	}
	if response.Claps == nil {
		return 0, fmt.Errorf("%w: submit response is missing claps", domain.ErrSubmissionFailed)
	}

	return *response.Claps, nil
}
