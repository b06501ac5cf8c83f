package clapservice

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/logging"
	"github.com/Amund211/applause/internal/ratelimiting"
	"github.com/Amund211/applause/internal/reporting"
	"github.com/Amund211/applause/internal/strutils"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type DevServerOptions struct {
	// Per client IP. Nil means unlimited.
	RateLimiter ratelimiting.RateLimiter

	// Hosts whose pages may call the dev server from a browser, in addition to localhost
	AllowedOrigins []string
}

// NewDevServer serves the counting service's HTTP API backed by service, for local development
func NewDevServer(service ClapService, logger *slog.Logger, opts DevServerOptions) (http.Handler, error) {
	origins, err := newAllowedOrigins(opts.AllowedOrigins...)
	if err != nil {
		return nil, err
	}

	rateLimiter := opts.RateLimiter
	if rateLimiter == nil {
		rateLimiter = ratelimiting.NewUnlimited()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logging.AddToContext(
				r.Context(),
				logger.With(slog.String("requestID", middleware.GetReqID(r.Context()))),
			)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	r.Use(corsMiddleware(origins))
	r.Use(rateLimitMiddleware(rateLimiter))

	r.Post("/get-multiple", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var urls []string
		if err := json.NewDecoder(r.Body).Decode(&urls); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		keys := make([]domain.ResourceKey, 0, len(urls))
		for _, url := range urls {
			key, err := strutils.NormalizeResourceURL(url, "")
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			keys = append(keys, key)
		}

		view, err := service.GetAggregates(ctx, keys)
		switch {
		case errors.Is(err, domain.ErrResourceNotFound):
			writeJSON(w, http.StatusNotFound, []aggregateResponse{})
			return
		case errors.Is(err, domain.ErrPaymentRequired):
			writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
			return
		case err != nil:
			logging.FromContext(ctx).ErrorContext(ctx, "Failed to get aggregates", "error", err.Error())
			reporting.Report(ctx, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			return
		}

		response := make([]aggregateResponse, 0, len(view))
		for _, key := range keys {
			aggregate, ok := view[key]
			if !ok {
				continue
			}
			response = append(response, aggregateResponse{URL: key.String(), Claps: aggregate.Claps})
		}
		writeJSON(w, http.StatusOK, response)
	})

	r.Post("/update-claps", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		key, err := strutils.NormalizeResourceURL(r.URL.Query().Get("url"), "")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		var request submitRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		total, err := service.SubmitClaps(ctx, domain.Mutation{
			ResourceKey: key,
			ClaimCount:  request.Claps,
			ClientID:    request.ID,
			Nonce:       request.Nonce,
		})
		switch {
		case errors.Is(err, domain.ErrPaymentRequired):
			writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
			return
		case errors.Is(err, domain.ErrSubmissionFailed):
			logging.FromContext(ctx).InfoContext(ctx, "Rejected submission", "url", key.String(), "error", err.Error())
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		case err != nil:
			logging.FromContext(ctx).ErrorContext(ctx, "Failed to submit claps", "error", err.Error())
			reporting.Report(ctx, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			return
		}

		logging.FromContext(ctx).InfoContext(ctx, "Recorded claps", "url", key.String(), "claps", request.Claps, "total", total)
		writeJSON(w, http.StatusOK, submitResponse{Claps: &total})
	})

	return r, nil
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
