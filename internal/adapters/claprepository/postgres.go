package claprepository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/reporting"
	"github.com/Amund211/applause/internal/strutils"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type Postgres struct {
	db     *sqlx.DB
	schema string

	tracer trace.Tracer
}

// NewPostgres expects schema to be migrated with database.NewDatabaseMigrator
func NewPostgres(db *sqlx.DB, schema string) *Postgres {
	return &Postgres{
		db:     db,
		schema: schema,

		tracer: otel.Tracer("applause/claprepository/postgres"),
	}
}

type dbClapRecord struct {
	ResourceKey string `db:"resource_key"`
	Claps       int    `db:"claps"`
}

func (p *Postgres) beginInSchema(ctx context.Context) (*sqlx.Tx, error) {
	txx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		err := fmt.Errorf("failed to start transaction: %w", err)
		reporting.Report(ctx, err)
		return nil, err
	}

	_, err = txx.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", pq.QuoteIdentifier(p.schema)))
	if err != nil {
		txx.Rollback()
		err := fmt.Errorf("failed to set search path: %w", err)
		reporting.Report(ctx, err, map[string]string{
			"schema": p.schema,
		})
		return nil, err
	}

	return txx, nil
}

func (p *Postgres) GetClapRecord(ctx context.Context, key domain.ResourceKey) (domain.ClapRecord, error) {
	ctx, span := p.tracer.Start(ctx, "Postgres.GetClapRecord")
	defer span.End()

	txx, err := p.beginInSchema(ctx)
	if err != nil {
		return domain.ClapRecord{}, err
	}
	defer txx.Rollback()

	var entry dbClapRecord
	err = txx.GetContext(ctx, &entry, "SELECT resource_key, claps FROM clap_records WHERE resource_key = $1", key.String())
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ClapRecord{}, fmt.Errorf("no clap record for %s: %w", key, domain.ErrResourceNotFound)
	} else if err != nil {
		err := fmt.Errorf("failed to query clap record: %w", err)
		reporting.Report(ctx, err)
		return domain.ClapRecord{}, err
	}

	return domain.ClapRecord{Claps: entry.Claps}, nil
}

func (p *Postgres) MergeClapRecord(ctx context.Context, key domain.ResourceKey, claps int) (domain.ClapRecord, error) {
	ctx, span := p.tracer.Start(ctx, "Postgres.MergeClapRecord")
	defer span.End()

	if !strutils.ResourceURLIsNormalized(key) {
		err := fmt.Errorf("resource key is not normalized")
		reporting.Report(ctx, err, map[string]string{
			"resource_key": key.String(),
		})
		return domain.ClapRecord{}, err
	}

	if claps <= 0 {
		record, err := p.GetClapRecord(ctx, key)
		if errors.Is(err, domain.ErrResourceNotFound) {
			return domain.ClapRecord{}, nil
		}
		return record, err
	}

	txx, err := p.beginInSchema(ctx)
	if err != nil {
		return domain.ClapRecord{}, err
	}
	defer txx.Rollback()

	var total int
	err = txx.QueryRowxContext(
		ctx,
		`INSERT INTO clap_records (resource_key, claps) VALUES ($1, $2)
		ON CONFLICT (resource_key) DO UPDATE SET
			claps = GREATEST(clap_records.claps, clap_records.claps + EXCLUDED.claps),
			updated_at = NOW()
		RETURNING claps`,
		key.String(),
		claps,
	).Scan(&total)
	if err != nil {
		err := fmt.Errorf("failed to merge clap record: %w", err)
		reporting.Report(ctx, err)
		return domain.ClapRecord{}, err
	}

	if err := txx.Commit(); err != nil {
		err := fmt.Errorf("failed to commit transaction: %w", err)
		reporting.Report(ctx, err)
		return domain.ClapRecord{}, err
	}

	return domain.ClapRecord{Claps: total}, nil
}
