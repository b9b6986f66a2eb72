package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/ridedispatch/internal/trip/domain"
)

// OutboxTopic returns the NATS subject carrying events for one trip.
func OutboxTopic(prefix string, tripID uuid.UUID) string {
	return prefix + "." + tripID.String()
}

// PostgresRepository persists trips through database/sql (pgx stdlib driver).
// When an outbox prefix is set every write also enqueues the resulting trip
// event in the same transaction.
type PostgresRepository struct {
	db           *sql.DB
	outboxPrefix string
}

// NewPostgresRepository constructs the repository. An empty outboxPrefix
// disables the transactional outbox.
func NewPostgresRepository(db *sql.DB, outboxPrefix string) *PostgresRepository {
	return &PostgresRepository{db: db, outboxPrefix: outboxPrefix}
}

const selectTripSQL = `SELECT id, passenger_id, driver_id, pickup_lat, pickup_lng, destination_lat, destination_lng,
geometry, distance_km, duration_seconds, fare, status, created_at, updated_at, version
FROM trips WHERE id = $1`

// CreateTrip inserts a new trip row.
func (p *PostgresRepository) CreateTrip(ctx context.Context, trip domain.Trip) (domain.Trip, error) {
	geometry, err := json.Marshal(nonNilGeometry(trip.Geometry))
	if err != nil {
		return domain.Trip{}, fmt.Errorf("marshal geometry: %w", err)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO trips (id, passenger_id, driver_id, pickup_lat, pickup_lng,
destination_lat, destination_lng, geometry, distance_km, duration_seconds, fare, status, created_at, updated_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		trip.ID, trip.PassengerID, nullableUUID(trip.DriverID),
		trip.Pickup.Lat, trip.Pickup.Lng, trip.Destination.Lat, trip.Destination.Lng,
		geometry, trip.DistanceKm, trip.DurationSeconds, trip.Fare, string(trip.Status),
		trip.CreatedAt, trip.UpdatedAt, trip.Version)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("insert trip: %w", err)
	}
	if err := p.enqueue(ctx, tx, trip); err != nil {
		return domain.Trip{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trip{}, fmt.Errorf("commit: %w", err)
	}
	return trip, nil
}

// GetTripByID retrieves a trip.
func (p *PostgresRepository) GetTripByID(ctx context.Context, id uuid.UUID) (domain.Trip, error) {
	var (
		trip     domain.Trip
		driverID uuid.NullUUID
		geometry []byte
		status   string
	)
	err := p.db.QueryRowContext(ctx, selectTripSQL, id).Scan(
		&trip.ID, &trip.PassengerID, &driverID,
		&trip.Pickup.Lat, &trip.Pickup.Lng, &trip.Destination.Lat, &trip.Destination.Lng,
		&geometry, &trip.DistanceKm, &trip.DurationSeconds, &trip.Fare, &status,
		&trip.CreatedAt, &trip.UpdatedAt, &trip.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trip{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Trip{}, fmt.Errorf("select trip: %w", err)
	}
	if driverID.Valid {
		d := driverID.UUID
		trip.DriverID = &d
	}
	parsed, ok := domain.ParseStatus(status)
	if !ok {
		return domain.Trip{}, fmt.Errorf("trip %s has unknown status %q", id, status)
	}
	trip.Status = parsed
	if len(geometry) > 0 {
		if err := json.Unmarshal(geometry, &trip.Geometry); err != nil {
			return domain.Trip{}, fmt.Errorf("decode geometry: %w", err)
		}
	}
	return trip, nil
}

// UpdateTrip writes the mutable columns if the stored version matches.
// driver_id is only ever filled, never replaced.
func (p *PostgresRepository) UpdateTrip(ctx context.Context, trip domain.Trip, expectedVersion int64) (domain.Trip, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE trips
SET status = $1, driver_id = COALESCE(driver_id, $2), updated_at = $3, version = version + 1
WHERE id = $4 AND version = $5`,
		string(trip.Status), nullableUUID(trip.DriverID), trip.UpdatedAt, trip.ID, expectedVersion)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("update trip: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Trip{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM trips WHERE id = $1)`, trip.ID).Scan(&exists); err != nil {
			return domain.Trip{}, fmt.Errorf("check trip: %w", err)
		}
		if !exists {
			return domain.Trip{}, domain.ErrNotFound
		}
		return domain.Trip{}, domain.ErrVersionConflict
	}

	trip.Version = expectedVersion + 1
	if err := p.enqueue(ctx, tx, trip); err != nil {
		return domain.Trip{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trip{}, fmt.Errorf("commit: %w", err)
	}
	return trip, nil
}

func (p *PostgresRepository) enqueue(ctx context.Context, tx *sql.Tx, trip domain.Trip) error {
	if p.outboxPrefix == "" {
		return nil
	}
	payload, err := json.Marshal(domain.NewTripEvent(trip))
	if err != nil {
		return fmt.Errorf("marshal outbox event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO outbox (topic, payload, published) VALUES ($1, $2, false)`,
		OutboxTopic(p.outboxPrefix, trip.ID), payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func nullableUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nonNilGeometry(points []domain.GeoPoint) []domain.GeoPoint {
	if points == nil {
		return []domain.GeoPoint{}
	}
	return points
}
