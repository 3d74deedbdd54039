// Package store persists authoritative inventory snapshots in
// PostgreSQL. One row per player and inventory group, keyed by version
// so stale writes from a lagging server never clobber newer data.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrSnapshotNotFound marks lookups for players or groups with no
// stored row. Check with errors.Is.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is one persisted inventory group for a player. Data is an
// opaque serialized inventory document; the store never inspects it.
type Snapshot struct {
	PlayerID  string
	Group     string
	Version   int64
	Data      []byte
	UpdatedAt time.Time
}

// Store wraps the PostgreSQL connection holding inventory snapshots
type Store struct {
	conn   *sql.DB
	config *Config
}

// New opens a connection pool using the provided configuration.
// Connections are established lazily; call Ping to verify reachability.
func New(config *Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	conn, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &Store{
		conn:   conn,
		config: config,
	}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Connection returns the underlying sql.DB connection
func (s *Store) Connection() *sql.DB {
	return s.conn
}

// Ping checks if the database connection is alive
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// InitSchema creates the snapshot table if it does not exist. Safe to
// run on every startup.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	-- Inventory snapshots, one row per player and group
	CREATE TABLE IF NOT EXISTS invsync_snapshots (
		player_id  VARCHAR(64)  NOT NULL,
		group_name VARCHAR(64)  NOT NULL,
		version    BIGINT       NOT NULL DEFAULT 0,
		data       BYTEA        NOT NULL,
		updated_at TIMESTAMPTZ  NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (player_id, group_name)
	);

	CREATE INDEX IF NOT EXISTS idx_invsync_snapshots_updated_at
		ON invsync_snapshots(updated_at);
	`

	_, err := s.conn.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// SaveSnapshot upserts one snapshot with a version guard: when the
// stored row already carries a higher version the write is ignored and
// SaveSnapshot reports false. Equal versions overwrite, so retries of
// the same save converge. UpdatedAt is stamped by the store.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) (bool, error) {
	if snap.PlayerID == "" {
		return false, fmt.Errorf("player_id cannot be empty")
	}
	if snap.Group == "" {
		return false, fmt.Errorf("group cannot be empty")
	}
	if snap.Version < 0 {
		return false, fmt.Errorf("version cannot be negative")
	}
	data := snap.Data
	if data == nil {
		data = []byte{}
	}

	query := `
		INSERT INTO invsync_snapshots (player_id, group_name, version, data, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (player_id, group_name) DO UPDATE
		SET version = EXCLUDED.version, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
		WHERE invsync_snapshots.version <= EXCLUDED.version
	`

	now := time.Now()
	result, err := s.conn.ExecContext(ctx, query, snap.PlayerID, snap.Group, snap.Version, data, now)
	if err != nil {
		return false, fmt.Errorf("failed to save snapshot: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// LoadSnapshot retrieves one player's group. Returns an error wrapping
// ErrSnapshotNotFound when no row exists.
func (s *Store) LoadSnapshot(ctx context.Context, playerID, group string) (*Snapshot, error) {
	if playerID == "" {
		return nil, fmt.Errorf("player_id cannot be empty")
	}
	if group == "" {
		return nil, fmt.Errorf("group cannot be empty")
	}

	query := `
		SELECT player_id, group_name, version, data, updated_at
		FROM invsync_snapshots
		WHERE player_id = $1 AND group_name = $2
	`

	var snap Snapshot
	err := s.conn.QueryRowContext(ctx, query, playerID, group).Scan(
		&snap.PlayerID,
		&snap.Group,
		&snap.Version,
		&snap.Data,
		&snap.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("player %s group %s: %w", playerID, group, ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	return &snap, nil
}

// LoadPlayerSnapshots retrieves every stored group for a player, most
// recently written first. A player with no rows yields an empty slice,
// not an error.
func (s *Store) LoadPlayerSnapshots(ctx context.Context, playerID string) ([]Snapshot, error) {
	if playerID == "" {
		return nil, fmt.Errorf("player_id cannot be empty")
	}

	query := `
		SELECT player_id, group_name, version, data, updated_at
		FROM invsync_snapshots
		WHERE player_id = $1
		ORDER BY updated_at DESC, group_name ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, playerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var snap Snapshot

		err := rows.Scan(
			&snap.PlayerID,
			&snap.Group,
			&snap.Version,
			&snap.Data,
			&snap.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		snapshots = append(snapshots, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return snapshots, nil
}

// DeleteSnapshot removes one player's group. Returns an error wrapping
// ErrSnapshotNotFound when nothing was deleted.
func (s *Store) DeleteSnapshot(ctx context.Context, playerID, group string) error {
	if playerID == "" {
		return fmt.Errorf("player_id cannot be empty")
	}
	if group == "" {
		return fmt.Errorf("group cannot be empty")
	}

	query := `DELETE FROM invsync_snapshots WHERE player_id = $1 AND group_name = $2`
	result, err := s.conn.ExecContext(ctx, query, playerID, group)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("player %s group %s: %w", playerID, group, ErrSnapshotNotFound)
	}

	return nil
}

// DeletePlayerSnapshots removes every group for a player and returns
// how many rows were deleted. Deleting a player with no rows is not an
// error.
func (s *Store) DeletePlayerSnapshots(ctx context.Context, playerID string) (int64, error) {
	if playerID == "" {
		return 0, fmt.Errorf("player_id cannot be empty")
	}

	query := `DELETE FROM invsync_snapshots WHERE player_id = $1`
	result, err := s.conn.ExecContext(ctx, query, playerID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}
