package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tracker-relay/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// Database wraps the SQLite connection holding position history
type Database struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Enable WAL mode and other optimizations via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_busy_timeout=5000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite works best with single writer
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		speed REAL NOT NULL DEFAULT 0,
		heading REAL NOT NULL DEFAULT 0,
		satellites INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		received_at INTEGER NOT NULL,
		stored_at DATETIME NOT NULL
	);

	-- "most recent N for device"
	CREATE INDEX IF NOT EXISTS idx_positions_device_received ON positions(device_id, received_at DESC, id DESC);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Ping checks the connection is usable
func (db *Database) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

const insertPosition = `
	INSERT INTO positions
	(device_id, lat, lng, speed, heading, satellites, source, timestamp, received_at, stored_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// InsertPosition appends a single accepted update
func (db *Database) InsertPosition(ctx context.Context, u models.PositionUpdate) (int64, error) {
	result, err := db.conn.ExecContext(ctx, insertPosition,
		u.DeviceID, u.Lat, u.Lng, u.Speed, u.Heading, u.Satellites,
		u.Source, u.Timestamp, u.ReceivedAt, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert position for %s: %w", u.DeviceID, err)
	}
	return result.LastInsertId()
}

// InsertPositionBatch efficiently inserts multiple updates in one transaction
func (db *Database) InsertPositionBatch(ctx context.Context, updates []models.PositionUpdate) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertPosition)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var count int64
	for _, u := range updates {
		_, err := stmt.ExecContext(ctx,
			u.DeviceID, u.Lat, u.Lng, u.Speed, u.Heading, u.Satellites,
			u.Source, u.Timestamp, u.ReceivedAt, now,
		)
		if err != nil {
			return count, fmt.Errorf("insert position for %s: %w", u.DeviceID, err)
		}
		count++
	}

	return count, tx.Commit()
}

// History returns up to q.Limit most recent rows for q.DeviceID, newest first
func (db *Database) History(ctx context.Context, q models.HistoryQuery) ([]models.PositionRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, device_id, lat, lng, speed, heading, satellites, source,
		       timestamp, received_at, stored_at
		FROM positions
		WHERE device_id = ?
		ORDER BY received_at DESC, id DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, q.DeviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []models.PositionRecord{}
	for rows.Next() {
		var r models.PositionRecord
		err := rows.Scan(
			&r.ID, &r.DeviceID, &r.Lat, &r.Lng, &r.Speed, &r.Heading,
			&r.Satellites, &r.Source, &r.Timestamp, &r.ReceivedAt, &r.StoredAt,
		)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// PruneDevice deletes all but the keep most recent rows for deviceID and
// returns the number of rows removed
func (db *Database) PruneDevice(ctx context.Context, deviceID string, keep int) (int64, error) {
	query := `
		DELETE FROM positions
		WHERE device_id = ? AND id NOT IN (
			SELECT id FROM positions
			WHERE device_id = ?
			ORDER BY received_at DESC, id DESC
			LIMIT ?
		)
	`
	result, err := db.conn.ExecContext(ctx, query, deviceID, deviceID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", deviceID, err)
	}
	return result.RowsAffected()
}

// GetStats returns row and device counts
func (db *Database) GetStats(ctx context.Context) (models.StoreStats, error) {
	var s models.StoreStats
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT device_id) FROM positions",
	).Scan(&s.Records, &s.Devices)
	return s, err
}
