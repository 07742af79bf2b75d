package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ersn/hazardroute/server/internal/lib/feed"
	"github.com/ersn/hazardroute/server/internal/lib/geo"
	"github.com/ersn/hazardroute/server/internal/lib/hazard"
)

// schemaTemplate creates the hazards table and a trigger that notifies listeners on
// every change. The notification channel is filled in by schema.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS hazards (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL,
	latitude    DOUBLE PRECISION NOT NULL,
	longitude   DOUBLE PRECISION NOT NULL,
	address     TEXT NOT NULL DEFAULT '',
	severity    TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	reported_at TIMESTAMPTZ,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE OR REPLACE FUNCTION notify_hazards_changed() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(%s, '');
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS hazards_changed ON hazards;
CREATE TRIGGER hazards_changed AFTER INSERT OR UPDATE OR DELETE ON hazards
	FOR EACH STATEMENT EXECUTE FUNCTION notify_hazards_changed();
`

// schema renders the DDL for a store that notifies on channel
func schema(channel string) string {
	return fmt.Sprintf(schemaTemplate, quoteLiteral(channel))
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

const selectHazards = `
SELECT id, title, type, latitude, longitude, address, severity, description, reported_at, is_active
FROM hazards
ORDER BY id`

// Store loads hazard snapshots from Postgres
type Store struct {
	pool    *pgxpool.Pool
	channel string
}

// New opens a connection pool and verifies it
func New(ctx context.Context, dsn, channel string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &Store{pool: pool, channel: channel}, nil
}

// Close releases the pool
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the hazards table and its change trigger
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema(s.channel)); err != nil {
		return fmt.Errorf("failed to apply hazard schema: %w", err)
	}
	return nil
}

// hazardRow mirrors one row of the hazards table
type hazardRow struct {
	ID          string     `db:"id"`
	Title       string     `db:"title"`
	Type        string     `db:"type"`
	Latitude    float64    `db:"latitude"`
	Longitude   float64    `db:"longitude"`
	Address     string     `db:"address"`
	Severity    string     `db:"severity"`
	Description string     `db:"description"`
	ReportedAt  *time.Time `db:"reported_at"`
	IsActive    bool       `db:"is_active"`
}

func (r hazardRow) toHazard() (hazard.Hazard, error) {
	severity, err := hazard.ParseSeverity(r.Severity)
	if err != nil {
		return hazard.Hazard{}, fmt.Errorf("hazard %s: %w", r.ID, err)
	}

	h := hazard.Hazard{
		ID:          r.ID,
		Title:       r.Title,
		Type:        hazard.Type(r.Type),
		Location:    geo.Point{Latitude: r.Latitude, Longitude: r.Longitude},
		Address:     r.Address,
		Severity:    severity,
		Description: r.Description,
		Active:      r.IsActive,
	}
	if r.ReportedAt != nil {
		reported := r.ReportedAt.UTC()
		h.ReportedAt = &reported
	}
	return h, nil
}

func rowsToSet(rows []hazardRow) (*hazard.Set, error) {
	hazards := make([]hazard.Hazard, 0, len(rows))
	for _, row := range rows {
		h, err := row.toHazard()
		if err != nil {
			return nil, err
		}
		hazards = append(hazards, h)
	}
	return hazard.NewSet(hazards)
}

// LoadSnapshot reads every hazard row into a snapshot
func (s *Store) LoadSnapshot(ctx context.Context) (*hazard.Set, error) {
	rows, err := s.pool.Query(ctx, selectHazards)
	if err != nil {
		return nil, fmt.Errorf("failed to query hazards: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[hazardRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan hazards: %w", err)
	}

	return rowsToSet(records)
}

// Listen reloads the snapshot into monitor on every notification until ctx ends
func (s *Store) Listen(ctx context.Context, monitor *feed.Monitor) error {
	ctx = logging.EnsureLogger(ctx)
	ctx = logging.With(ctx, logging.FromContext(ctx).Named("postgres"))

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.channel, err)
	}
	logging.Infow(ctx, "Hazard store: listening for changes", "channel", s.channel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}

		set, err := s.LoadSnapshot(ctx)
		if err != nil {
			logging.Errorw(ctx, "Hazard store: reload after notification failed",
				"channel", notification.Channel, "error", err)
			continue
		}
		// Statements that leave the rows unchanged still notify
		snap, published := monitor.PublishIfChanged(set)
		logging.Infow(ctx, "Hazard store: snapshot reloaded",
			"hazards", set.Len(), "seq", snap.Seq, "changed", published)
	}
}
