// Package rowstore is the backing table of check-in rows. The relay serves
// it over HTTP and the check-in client reaches it directly as a fallback.
package rowstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"raffle/internal/models"
)

// ErrDuplicate is returned when the session already holds the phone or device.
var ErrDuplicate = errors.New("already checked in")

// ErrNotConfigured is returned when a store lacks its address or credentials.
var ErrNotConfigured = errors.New("row store is not configured")

// Store persists check-in rows scoped by session.
type Store interface {
	// Insert adds row unless its session already has the same phone or
	// device. rank is the 1-based position of the row in the session, or 0
	// when it could not be determined.
	Insert(ctx context.Context, row models.CheckinRow) (rank int, err error)
	// List returns the session's rows ordered by timestamp ascending.
	List(ctx context.Context, session string) ([]models.CheckinRow, error)
	Count(ctx context.Context, session string) (int, error)
	DeleteSession(ctx context.Context, session string) error
}

// Memory is an in-process Store for development and tests.
type Memory struct {
	mu   sync.Mutex
	rows map[string][]models.CheckinRow
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string][]models.CheckinRow)}
}

func (m *Memory) Insert(_ context.Context, row models.CheckinRow) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows[row.Session] {
		if (row.Phone != "" && r.Phone == row.Phone) || (row.Device != "" && r.Device == row.Device) {
			return 0, ErrDuplicate
		}
	}
	m.rows[row.Session] = append(m.rows[row.Session], row)
	return len(m.rows[row.Session]), nil
}

func (m *Memory) List(_ context.Context, session string) ([]models.CheckinRow, error) {
	m.mu.Lock()
	out := append([]models.CheckinRow(nil), m.rows[session]...)
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if out == nil {
		out = []models.CheckinRow{}
	}
	return out, nil
}

func (m *Memory) Count(_ context.Context, session string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[session]), nil
}

func (m *Memory) DeleteSession(_ context.Context, session string) error {
	m.mu.Lock()
	delete(m.rows, session)
	m.mu.Unlock()
	return nil
}
