package clapservice_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Amund211/applause/internal/adapters/clapservice"
	"github.com/Amund211/applause/internal/adapters/proofofwork"
	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/domaintest"
	"github.com/stretchr/testify/require"
)

const difficultyBits = 4

type paymentRequiredService struct{}

func (paymentRequiredService) GetAggregates(ctx context.Context, keys []domain.ResourceKey) (domain.AggregateView, error) {
	return nil, domain.ErrPaymentRequired
}

func (paymentRequiredService) SubmitClaps(ctx context.Context, mutation domain.Mutation) (int, error) {
	return 0, domain.ErrPaymentRequired
}

func newDevServer(t *testing.T, backing clapservice.ClapService, opts clapservice.DevServerOptions) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler, err := clapservice.NewDevServer(backing, logger, opts)
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func newClient(t *testing.T, backing clapservice.ClapService) clapservice.ClapService {
	t.Helper()

	server := newDevServer(t, backing, clapservice.DevServerOptions{})

	client, err := clapservice.NewHTTPClapService(server.Client(), server.URL+"/", time.Now, time.After)
	require.NoError(t, err)
	return client
}

func stamp(t *testing.T, key domain.ResourceKey, claps int, clientID string) string {
	t.Helper()

	nonce, err := proofofwork.NewStamper(proofofwork.NewHashcash(difficultyBits)).Stamp(t.Context(), key, claps, clientID)
	require.NoError(t, err)
	return nonce
}

func TestDevServer(t *testing.T) {
	t.Parallel()

	key := domain.ResourceKey("https://example.com/post")

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()

		client := newClient(t, clapservice.NewMemoryClapService(difficultyBits))

		view, err := client.GetAggregates(t.Context(), []domain.ResourceKey{key})
		require.ErrorIs(t, err, domain.ErrResourceNotFound)
		require.Equal(t, 0, view.ClapsFor(key))

		clientID := domaintest.NewUUID(t)
		total, err := client.SubmitClaps(t.Context(), domain.Mutation{
			ResourceKey: key,
			ClaimCount:  3,
			ClientID:    clientID,
			Nonce:       stamp(t, key, 3, clientID),
		})
		require.NoError(t, err)
		require.Equal(t, 3, total)

		clientID = domaintest.NewUUID(t)
		total, err = client.SubmitClaps(t.Context(), domain.Mutation{
			ResourceKey: key,
			ClaimCount:  2,
			ClientID:    clientID,
			Nonce:       stamp(t, key, 2, clientID),
		})
		require.NoError(t, err)
		require.Equal(t, 5, total)

		view, err = client.GetAggregates(t.Context(), []domain.ResourceKey{key, "https://example.com/other"})
		require.NoError(t, err)
		require.Equal(t, 5, view.ClapsFor(key))
		require.Equal(t, 0, view.ClapsFor("https://example.com/other"))
	})

	t.Run("submission with a bad stamp is rejected", func(t *testing.T) {
		t.Parallel()

		client := newClient(t, clapservice.NewMemoryClapService(64))

		_, err := client.SubmitClaps(t.Context(), domain.Mutation{
			ResourceKey: key,
			ClaimCount:  1,
			ClientID:    domaintest.NewUUID(t),
			Nonce:       "0",
		})
		require.ErrorIs(t, err, domain.ErrSubmissionFailed)
	})

	t.Run("submission with an invalid client id is rejected", func(t *testing.T) {
		t.Parallel()

		client := newClient(t, clapservice.NewMemoryClapService(0))

		_, err := client.SubmitClaps(t.Context(), domain.Mutation{
			ResourceKey: key,
			ClaimCount:  1,
			ClientID:    "not-a-uuid",
			Nonce:       "0",
		})
		require.ErrorIs(t, err, domain.ErrSubmissionFailed)
	})

	t.Run("payment required", func(t *testing.T) {
		t.Parallel()

		client := newClient(t, paymentRequiredService{})

		_, err := client.GetAggregates(t.Context(), []domain.ResourceKey{key})
		require.ErrorIs(t, err, domain.ErrPaymentRequired)

		_, err = client.SubmitClaps(t.Context(), domain.Mutation{
			ResourceKey: key,
			ClaimCount:  1,
			ClientID:    domaintest.NewUUID(t),
			Nonce:       "0",
		})
		require.ErrorIs(t, err, domain.ErrPaymentRequired)
	})

	t.Run("invalid url is a bad request", func(t *testing.T) {
		t.Parallel()

		server := newDevServer(t, clapservice.NewMemoryClapService(0), clapservice.DevServerOptions{})

		resp, err := server.Client().Post(server.URL+"/update-claps?url=ftp://example.com", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rate limited", func(t *testing.T) {
		t.Parallel()

		server := newDevServer(t, clapservice.NewMemoryClapService(0), clapservice.DevServerOptions{
			RateLimiter: denyingRateLimiter{retryAfter: 1500 * time.Millisecond},
		})

		resp, err := server.Client().Post(server.URL+"/get-multiple", "application/json", strings.NewReader(`["https://example.com/post"]`))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		require.Equal(t, "2", resp.Header.Get("Retry-After"))
	})

	t.Run("cors preflight", func(t *testing.T) {
		t.Parallel()

		server := newDevServer(t, clapservice.NewMemoryClapService(0), clapservice.DevServerOptions{
			AllowedOrigins: []string{"example.com"},
		})

		preflight := func(origin string) *http.Response {
			req, err := http.NewRequestWithContext(t.Context(), http.MethodOptions, server.URL+"/get-multiple", nil)
			require.NoError(t, err)
			req.Header.Set("Origin", origin)

			resp, err := server.Client().Do(req)
			require.NoError(t, err)
			t.Cleanup(func() { resp.Body.Close() })
			return resp
		}

		for _, origin := range []string{"https://example.com", "https://blog.example.com", "http://localhost:1313"} {
			resp := preflight(origin)
			require.Equal(t, http.StatusNoContent, resp.StatusCode, origin)
			require.Equal(t, origin, resp.Header.Get("Access-Control-Allow-Origin"), origin)
		}

		for _, origin := range []string{"http://example.com", "https://notexample.com", "https://example.com.evil.org"} {
			resp := preflight(origin)
			require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"), origin)
		}
	})

	t.Run("invalid allowed origin", func(t *testing.T) {
		t.Parallel()

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		_, err := clapservice.NewDevServer(clapservice.NewMemoryClapService(0), logger, clapservice.DevServerOptions{
			AllowedOrigins: []string{"https://example.com"},
		})
		require.Error(t, err)
	})
}

type denyingRateLimiter struct {
	retryAfter time.Duration
}

func (l denyingRateLimiter) Consume(key string) (bool, time.Duration) {
	return false, l.retryAfter
}
