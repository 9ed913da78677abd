// Package mysqlstore keeps check-in rows in a MySQL table.
package mysqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"raffle/internal/models"
	"raffle/internal/rowstore"
)

// erDupEntry is MySQL's duplicate-key error number.
const erDupEntry = 1062

const schema = `CREATE TABLE IF NOT EXISTS checkins (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	session VARCHAR(128) NOT NULL,
	name VARCHAR(255) NOT NULL,
	phone VARCHAR(32) NULL,
	device VARCHAR(128) NULL,
	created_at DATETIME(3) NOT NULL,
	UNIQUE KEY uq_session_phone (session, phone),
	UNIQUE KEY uq_session_device (session, device),
	KEY ix_session_time (session, created_at)
) CHARACTER SET utf8mb4`

// Open connects with dsn, applies pool settings and pings with a timeout.
// dsn is a go-sql-driver DSN; parseTime is forced on.
func Open(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Store is a rowstore.Store over the checkins table.
type Store struct {
	db *sql.DB
}

// New creates the table if needed.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("mysql schema: %w", err)
	}
	return &Store{db: db}, nil
}

// nullable maps "" to NULL so the unique keys ignore absent identities.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == erDupEntry
}

func (s *Store) Insert(ctx context.Context, row models.CheckinRow) (int, error) {
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkins (session, name, phone, device, created_at) VALUES (?, ?, ?, ?, ?)`,
		row.Session, row.Name, nullable(row.Phone), nullable(row.Device), row.Timestamp.UTC())
	if err != nil {
		if isDuplicate(err) {
			return 0, rowstore.ErrDuplicate
		}
		return 0, fmt.Errorf("mysql insert: %w", err)
	}
	n, err := s.Count(ctx, row.Session)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, session string) ([]models.CheckinRow, error) {
	rs, err := s.db.QueryContext(ctx,
		`SELECT name, phone, device, created_at FROM checkins WHERE session = ? ORDER BY created_at ASC, id ASC`, session)
	if err != nil {
		return nil, fmt.Errorf("mysql list: %w", err)
	}
	defer rs.Close()

	rows := []models.CheckinRow{}
	for rs.Next() {
		var r models.CheckinRow
		var phone, device sql.NullString
		if err := rs.Scan(&r.Name, &phone, &device, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("mysql scan: %w", err)
		}
		r.Phone, r.Device, r.Session = phone.String, device.String, session
		r.Timestamp = r.Timestamp.UTC()
		rows = append(rows, r)
	}
	return rows, rs.Err()
}

func (s *Store) Count(ctx context.Context, session string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkins WHERE session = ?`, session).Scan(&n); err != nil {
		return 0, fmt.Errorf("mysql count: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteSession(ctx context.Context, session string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkins WHERE session = ?`, session); err != nil {
		return fmt.Errorf("mysql delete: %w", err)
	}
	return nil
}
