package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Amund211/applause/internal/adapters/cache"
	"github.com/Amund211/applause/internal/adapters/clapservice"
	"github.com/Amund211/applause/internal/adapters/claprepository"
	"github.com/Amund211/applause/internal/adapters/database"
	"github.com/Amund211/applause/internal/adapters/proofofwork"
	"github.com/Amund211/applause/internal/config"
	"github.com/Amund211/applause/internal/document"
	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/logging"
	"github.com/Amund211/applause/internal/reporting"
	"github.com/Amund211/applause/internal/telemetry"
	"github.com/google/uuid"
)

type globalOptions struct {
	base      string
	telemetry bool
	verbose   bool
}

// Everything a command needs, release with close
type runtime struct {
	ctx    context.Context
	config config.Config
	logger *slog.Logger

	closers []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func newRuntime(ctx context.Context, opts *globalOptions) (*runtime, error) {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	sessionID := uuid.NewString()
	logger := logging.NewLogger(os.Stderr, level).With("sessionID", sessionID)

	conf, err := config.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.DebugContext(ctx, "Loaded config", "config", conf.NonSensitiveString())

	r := &runtime{config: conf, logger: logger}

	flush, err := reporting.NewSentryOrMock(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	r.closers = append(r.closers, flush)

	if opts.telemetry {
		shutdown, err := telemetry.SetupOTelSDK(ctx, "applause")
		if err != nil {
			r.close()
			return nil, fmt.Errorf("failed to set up telemetry: %w", err)
		}
		r.closers = append(r.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to shut down telemetry", "error", err.Error())
			}
		})
	}

	ctx = logging.AddToContext(ctx, logger)
	ctx = reporting.SetSessionInContext(ctx, sessionID, time.Now())
	r.ctx = ctx

	return r, nil
}

func (r *runtime) repository() (claprepository.ClapRepository, error) {
	switch r.config.Store() {
	case config.StoreMemory:
		return claprepository.NewMemory(), nil
	case config.StoreSQLite:
		db, err := database.NewSQLiteDatabase(r.config.SQLitePath())
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, func() { db.Close() })
		return claprepository.NewSQLite(r.ctx, db)
	case config.StorePostgres:
		db, err := database.NewPostgresDatabaseFromConfig(r.config)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, func() { db.Close() })

		schema := database.GetSchemaName(!r.config.IsProduction())
		err = database.NewDatabaseMigrator(db, r.logger.With("component", "migrator")).Migrate(r.ctx, schema)
		if err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return claprepository.NewPostgres(db, schema), nil
	}
	return nil, fmt.Errorf("unknown store %q", r.config.Store())
}

func (r *runtime) service() (clapservice.ClapService, error) {
	return clapservice.NewClapServiceOrMock(r.config, clapservice.NewInstrumentedHTTPClient(10*time.Second))
}

func (r *runtime) document() (*document.Document, error) {
	repo, err := r.repository()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize clap repository: %w", err)
	}

	service, err := r.service()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize clap service: %w", err)
	}

	viewCache := cache.NewTTLCache[domain.Aggregate](r.config.ViewTTL())
	r.closers = append(r.closers, viewCache.Stop)

	doc := document.New(r.ctx, document.Options{
		ViewCache:  viewCache,
		Service:    service,
		Repository: repo,
		Stamper:    proofofwork.NewStamper(proofofwork.NewHashcash(r.config.PowDifficulty())),
		Debounce:   r.config.Debounce(),
	})
	r.closers = append(r.closers, func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 30*time.Second)
		defer cancel()
		if err := doc.Close(closeCtx); err != nil {
			r.logger.Error("Failed to close document", "error", err.Error())
		}
	})

	return doc, nil
}

// Mount and wait for the first fetch
func mountReady(ctx context.Context, doc *document.Document, url string, base string) (*document.Instance, error) {
	instance, err := doc.Mount(ctx, document.MountOptions{URL: url, Base: base})
	if err != nil {
		return nil, err
	}

	select {
	case <-instance.Ready():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := instance.View().Err; err != nil && !errors.Is(err, domain.ErrPaymentRequired) {
		return nil, err
	}
	return instance, nil
}
