package garage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists service history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_records (
			id TEXT PRIMARY KEY,
			vin TEXT NOT NULL,
			service TEXT NOT NULL,
			odometer INTEGER NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			performed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_records_vin_performed ON service_records (vin, performed_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveRecord(ctx context.Context, record ServiceRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.PerformedAt.IsZero() {
		record.PerformedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO service_records (id, vin, service, odometer, notes, performed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID,
		record.VIN,
		record.Service,
		record.Odometer,
		record.Notes,
		record.PerformedAt,
	)
	if err != nil {
		return fmt.Errorf("save service record: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordsForVehicle(ctx context.Context, vin string, limit int) ([]ServiceRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, vin, service, odometer, notes, performed_at
		 FROM service_records WHERE vin=$1 ORDER BY performed_at DESC LIMIT $2`,
		vin,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query service records: %w", err)
	}
	defer rows.Close()

	items := make([]ServiceRecord, 0, limit)
	for rows.Next() {
		var r ServiceRecord
		if err := rows.Scan(&r.ID, &r.VIN, &r.Service, &r.Odometer, &r.Notes, &r.PerformedAt); err != nil {
			return nil, fmt.Errorf("scan service record: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate service records: %w", err)
	}

	// Reverse into chronological order for display.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
