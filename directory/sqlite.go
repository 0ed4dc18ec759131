package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/codedrop/interfaces"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteDirectory stores advertisements in a SQLite database.
type SQLiteDirectory struct {
	db           *sql.DB
	ttl          time.Duration
	mu           sync.RWMutex
	timeProvider TimeProvider
}

// NewSQLiteDirectory opens (or creates) the database at path. A zero ttl
// disables expiry. Use ":memory:" for a throwaway database.
func NewSQLiteDirectory(path string, ttl time.Duration) (*SQLiteDirectory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent across calls.
	db.SetMaxOpenConns(1)

	d := &SQLiteDirectory{
		db:           db,
		ttl:          ttl,
		timeProvider: DefaultTimeProvider{},
	}

	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewSQLiteDirectory",
		"path":     path,
		"ttl":      ttl,
	}).Info("SQLite directory opened")

	return d, nil
}

func (d *SQLiteDirectory) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS advertisements (
		code TEXT PRIMARY KEY,
		peer_address TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_advertisements_expiry ON advertisements(expires_at);
	`
	_, err := d.db.Exec(schema)
	return err
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (d *SQLiteDirectory) SetTimeProvider(tp TimeProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeProvider = tp
}

func (d *SQLiteDirectory) now() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.timeProvider.Now()
}

// Publish implements interfaces.Directory.
func (d *SQLiteDirectory) Publish(ctx context.Context, code, peerAddress string) error {
	now := d.now()
	var expiresAt int64
	if d.ttl > 0 {
		expiresAt = now.Add(d.ttl).UnixNano()
	}

	query := `
	INSERT INTO advertisements (code, peer_address, created_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(code) DO UPDATE SET
		peer_address = excluded.peer_address,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at
	`
	if _, err := d.db.ExecContext(ctx, query, code, peerAddress, now.UnixNano(), expiresAt); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SQLiteDirectory.Publish",
			"code":     code,
			"error":    err.Error(),
		}).Error("Failed to store advertisement")
		return fmt.Errorf("%w: %w", interfaces.ErrDirectoryUnavailable, err)
	}

	return nil
}

// Resolve implements interfaces.Directory.
func (d *SQLiteDirectory) Resolve(ctx context.Context, code string) (string, error) {
	ad, err := d.Lookup(ctx, code)
	if err != nil {
		return "", err
	}
	return ad.PeerAddress, nil
}

// Lookup implements interfaces.AdvertisementLookup.
func (d *SQLiteDirectory) Lookup(ctx context.Context, code string) (interfaces.Advertisement, error) {
	var (
		ad        interfaces.Advertisement
		createdAt int64
		expiresAt int64
	)

	row := d.db.QueryRowContext(ctx,
		`SELECT code, peer_address, created_at, expires_at FROM advertisements WHERE code = ?`, code)
	if err := row.Scan(&ad.Code, &ad.PeerAddress, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return interfaces.Advertisement{}, interfaces.ErrCodeNotFound
		}
		return interfaces.Advertisement{}, fmt.Errorf("%w: %w", interfaces.ErrDirectoryUnavailable, err)
	}

	if expiresAt != 0 && d.now().UnixNano() >= expiresAt {
		return interfaces.Advertisement{}, interfaces.ErrCodeNotFound
	}

	ad.CreatedAt = time.Unix(0, createdAt)
	return ad, nil
}

// Withdraw implements interfaces.Directory.
func (d *SQLiteDirectory) Withdraw(ctx context.Context, code string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM advertisements WHERE code = ?`, code); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrDirectoryUnavailable, err)
	}
	return nil
}

// PurgeExpired deletes expired advertisements and returns how many were removed.
func (d *SQLiteDirectory) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM advertisements WHERE expires_at != 0 AND expires_at <= ?`, d.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", interfaces.ErrDirectoryUnavailable, err)
	}
	return res.RowsAffected()
}

// Close implements interfaces.Directory.
func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}
