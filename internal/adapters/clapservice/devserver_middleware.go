package clapservice

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Amund211/applause/internal/logging"
	"github.com/Amund211/applause/internal/ratelimiting"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type devServerMetricsCollection struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
}

var devServerMetrics devServerMetricsCollection

func init() {
	const name = "applause/clapservice/devserver"
	meter := otel.Meter(name)

	requestCount, err := meter.Int64Counter(
		"clapservice/devserver/request_count",
		metric.WithDescription("Total number of requests received"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create request count metric: %w", err))
	}

	requestDuration, err := meter.Float64Histogram(
		"clapservice/devserver/request_duration_seconds",
		metric.WithDescription("Processing time for received requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create request duration metric: %w", err))
	}

	devServerMetrics = devServerMetricsCollection{
		requestCount:    requestCount,
		requestDuration: requestDuration,
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		attributesOption := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
			attribute.Int("status", ww.Status()),
		)

		devServerMetrics.requestCount.Add(ctx, 1, attributesOption)
		devServerMetrics.requestDuration.Record(ctx, time.Since(start).Seconds(), attributesOption)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func rateLimitMiddleware(rateLimiter ratelimiting.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			ok, retryAfter := rateLimiter.Consume(ip)
			if !ok {
				ctx := r.Context()
				logging.FromContext(ctx).InfoContext(ctx, "Rate limit exceeded", "ip", ip, "retryAfter", retryAfter.String())

				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Origins a browser may call the dev server from: the listed hosts, their subdomains, and localhost
type allowedOrigins struct {
	hosts []string
}

func newAllowedOrigins(hosts ...string) (*allowedOrigins, error) {
	for _, host := range hosts {
		if strings.HasPrefix(host, ".") {
			return nil, fmt.Errorf("origin host %s should not start with a dot", host)
		}
		if strings.Contains(host, "://") {
			return nil, fmt.Errorf("origin host %s should not contain a scheme", host)
		}
	}
	return &allowedOrigins{hosts: hosts}, nil
}

func (origins *allowedOrigins) match(origin string) bool {
	scheme, hostport, ok := strings.Cut(origin, "://")
	if !ok || (scheme != "http" && scheme != "https") {
		return false
	}

	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}

	if host == "localhost" || host == "127.0.0.1" || host == "[::1]" || host == "::1" {
		return true
	}

	// Only accept listed origins over https
	if scheme != "https" {
		return false
	}
	for _, allowed := range origins.hosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func corsMiddleware(origins *allowedOrigins) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origins.match(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")

				if r.Method == http.MethodOptions {
					w.Header().Set("Access-Control-Allow-Methods", "POST")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
