// Package sqlstore implements store.LeaseRecordStore on MySQL.
//
// Lease records live in lease_records and are swapped with
// UPDATE ... WHERE version = ?. Exclusive leases live in lease_objects and are
// granted by a conditional UPDATE judged against the database server clock, so
// contenders' clocks play no part in exclusive-lease expiry.
//
// The DSN must set parseTime=true.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/pixperk/leasekeeper/pkg/types"
)

const mysqlDuplicateEntry = 1062

const (
	createRecordsTable = `CREATE TABLE IF NOT EXISTS lease_records (
	id VARCHAR(255) NOT NULL PRIMARY KEY,
	leased_until DATETIME(6) NOT NULL,
	version CHAR(36) NOT NULL
)`
	createObjectsTable = `CREATE TABLE IF NOT EXISTS lease_objects (
	id VARCHAR(255) NOT NULL PRIMARY KEY,
	lease_token CHAR(36) NULL,
	lease_expires DATETIME(6) NULL
)`

	readRecordQuery    = `SELECT leased_until, version FROM lease_records WHERE id = ?`
	insertRecordQuery  = `INSERT INTO lease_records (id, leased_until, version) VALUES (?, ?, ?)`
	replaceRecordQuery = `UPDATE lease_records SET leased_until = ?, version = ? WHERE id = ? AND version = ?`
	recordExistsQuery  = `SELECT 1 FROM lease_records WHERE id = ?`

	insertObjectQuery  = `INSERT IGNORE INTO lease_objects (id) VALUES (?)`
	acquireObjectQuery = `UPDATE lease_objects SET lease_token = ?, lease_expires = NOW(6) + INTERVAL ? MICROSECOND ` +
		`WHERE id = ? AND (lease_expires IS NULL OR lease_expires <= NOW(6))`
	releaseObjectQuery = `UPDATE lease_objects SET lease_token = NULL, lease_expires = NULL ` +
		`WHERE id = ? AND lease_token = ? AND lease_expires > NOW(6)`
	objectExistsQuery = `SELECT 1 FROM lease_objects WHERE id = ?`
)

// Store implements store.LeaseRecordStore on a MySQL database.
type Store struct {
	db *sql.DB
}

// New constructs a MySQL-backed lease store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables the store needs.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range []string{createRecordsTable, createObjectsTable} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Read(ctx context.Context, name string) (types.LeaseRecord, error) {
	rec := types.LeaseRecord{ID: name}
	err := s.db.QueryRowContext(ctx, readRecordQuery, name).Scan(&rec.LeasedUntil, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return types.LeaseRecord{}, types.ErrNotFound
	}
	if err != nil {
		return types.LeaseRecord{}, fmt.Errorf("read record: %w", err)
	}
	rec.LeasedUntil = rec.LeasedUntil.UTC()
	return rec, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, name string, leasedUntil time.Time) (string, error) {
	version := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, insertRecordQuery, name, leasedUntil.UTC(), version); err != nil {
		if isDuplicate(err) {
			return "", types.ErrAlreadyExists
		}
		return "", fmt.Errorf("create record: %w", err)
	}
	return version, nil
}

func (s *Store) ReplaceIfVersionMatches(ctx context.Context, name string, leasedUntil time.Time, expected string) (string, error) {
	version := uuid.NewString()
	res, err := s.db.ExecContext(ctx, replaceRecordQuery, leasedUntil.UTC(), version, name, expected)
	if err != nil {
		return "", fmt.Errorf("replace record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("replace record: %w", err)
	}
	if n == 1 {
		return version, nil
	}

	//nothing matched: either the row is gone or somebody else swapped it
	exists, err := s.exists(ctx, recordExistsQuery, name)
	if err != nil {
		return "", fmt.Errorf("replace record: %w", err)
	}
	if !exists {
		return "", types.ErrNotFound
	}
	return "", types.ErrVersionConflict
}

func (s *Store) CreateObject(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, insertObjectQuery, name); err != nil {
		return fmt.Errorf("create object: %w", err)
	}
	return nil
}

func (s *Store) AcquireExclusive(ctx context.Context, name string, d time.Duration) (string, error) {
	token := uuid.NewString()
	res, err := s.db.ExecContext(ctx, acquireObjectQuery, token, d.Microseconds(), name)
	if err != nil {
		return "", fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("acquire lease: %w", err)
	}
	if n == 1 {
		return token, nil
	}

	exists, err := s.exists(ctx, objectExistsQuery, name)
	if err != nil {
		return "", fmt.Errorf("acquire lease: %w", err)
	}
	if !exists {
		return "", types.ErrNotFound
	}
	return "", types.ErrConflict
}

func (s *Store) ReleaseExclusive(ctx context.Context, name, token string) error {
	res, err := s.db.ExecContext(ctx, releaseObjectQuery, name, token)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if n == 0 {
		return types.ErrLeaseMismatch
	}
	return nil
}

func (s *Store) exists(ctx context.Context, query, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
