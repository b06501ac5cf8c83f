package claprepository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Amund211/applause/internal/domain"
	"github.com/Amund211/applause/internal/reporting"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS clap_records (
	resource_key TEXT PRIMARY KEY,
	claps INTEGER NOT NULL CHECK (claps >= 0),
	updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

type SQLite struct {
	db *sql.DB

	tracer trace.Tracer
}

func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to create clap_records table: %w", err)
	}

	return &SQLite{
		db: db,

		tracer: otel.Tracer("applause/claprepository/sqlite"),
	}, nil
}

func (s *SQLite) GetClapRecord(ctx context.Context, key domain.ResourceKey) (domain.ClapRecord, error) {
	ctx, span := s.tracer.Start(ctx, "SQLite.GetClapRecord")
	defer span.End()

	var claps int
	err := s.db.QueryRowContext(ctx, "SELECT claps FROM clap_records WHERE resource_key = ?", key.String()).Scan(&claps)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ClapRecord{}, fmt.Errorf("no clap record for %s: %w", key, domain.ErrResourceNotFound)
	} else if err != nil {
		err := fmt.Errorf("failed to query clap record: %w", err)
		reporting.Report(ctx, err)
		return domain.ClapRecord{}, err
	}

	return domain.ClapRecord{Claps: claps}, nil
}

func (s *SQLite) MergeClapRecord(ctx context.Context, key domain.ResourceKey, claps int) (domain.ClapRecord, error) {
	ctx, span := s.tracer.Start(ctx, "SQLite.MergeClapRecord")
	defer span.End()

	if claps <= 0 {
		record, err := s.GetClapRecord(ctx, key)
		if errors.Is(err, domain.ErrResourceNotFound) {
			return domain.ClapRecord{}, nil
		}
		return record, err
	}

	var total int
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO clap_records (resource_key, claps) VALUES (?, ?)
		ON CONFLICT (resource_key) DO UPDATE SET
			claps = MAX(clap_records.claps, clap_records.claps + excluded.claps),
			updated_at = CURRENT_TIMESTAMP
		RETURNING claps`,
		key.String(),
		claps,
	).Scan(&total)
	if err != nil {
		err := fmt.Errorf("failed to merge clap record: %w", err)
		reporting.Report(ctx, err)
		return domain.ClapRecord{}, err
	}

	return domain.ClapRecord{Claps: total}, nil
}
