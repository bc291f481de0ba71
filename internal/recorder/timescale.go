package recorder

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TimescaleStore archives vehicle positions in Postgres/TimescaleDB.
type TimescaleStore struct {
	pool *pgxpool.Pool
}

func NewTimescaleStore(ctx context.Context, databaseURL string) (*TimescaleStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &TimescaleStore{pool: pool}, nil
}

func (s *TimescaleStore) Close() {
	s.pool.Close()
}

func (s *TimescaleStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS vehicle_positions (
	recorded_at TIMESTAMPTZ      NOT NULL,
	vehicle_id  BIGINT           NOT NULL,
	batch_id    UUID             NOT NULL,
	latitude    DOUBLE PRECISION NOT NULL,
	longitude   DOUBLE PRECISION NOT NULL,
	speed       DOUBLE PRECISION NOT NULL,
	direction   DOUBLE PRECISION,
	status      TEXT             NOT NULL
);
CREATE INDEX IF NOT EXISTS vehicle_positions_vehicle_time
	ON vehicle_positions (vehicle_id, recorded_at DESC);
`

// EnsureSchema creates the positions table when it does not exist.
func (s *TimescaleStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating vehicle_positions: %w", err)
	}
	return nil
}

var positionColumns = []string{
	"recorded_at",
	"vehicle_id",
	"batch_id",
	"latitude",
	"longitude",
	"speed",
	"direction",
	"status",
}

func positionRows(batchID uuid.UUID, positions []Position) [][]interface{} {
	rows := make([][]interface{}, len(positions))
	for i, p := range positions {
		rows[i] = []interface{}{
			p.RecordedAt,
			p.VehicleID,
			batchID,
			p.Lat,
			p.Lng,
			p.Speed,
			p.Direction,
			string(p.Status),
		}
	}
	return rows
}

func (s *TimescaleStore) BatchInsert(ctx context.Context, batchID uuid.UUID, positions []Position) error {
	if len(positions) == 0 {
		return nil
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"vehicle_positions"},
		positionColumns,
		pgx.CopyFromRows(positionRows(batchID, positions)),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(positions), err)
	}
	return nil
}
