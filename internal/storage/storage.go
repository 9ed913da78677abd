// Package storage defines how session snapshots are persisted. A snapshot is
// always read and written as one blob per session id.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/logger"

	"raffle/internal/ids"
	"raffle/internal/models"
)

// ErrNotFound is returned by Load when no snapshot exists for a session.
var ErrNotFound = errors.New("snapshot not found")

// Persister loads and saves whole session snapshots.
type Persister interface {
	Load(ctx context.Context, session string) (models.StoreSnapshot, error)
	Save(ctx context.Context, session string, snap models.StoreSnapshot) error
}

// SessionLocator remembers which session this host ran last.
type SessionLocator interface {
	LastSession(ctx context.Context) (string, error)
	RememberSession(ctx context.Context, session string) error
}

// ResolveSession picks the session to run: the configured id, else the one
// the locator remembers, else a fresh one. The choice is remembered.
func ResolveSession(ctx context.Context, configured string, locator SessionLocator) string {
	session := configured
	if session == "" {
		last, err := locator.LastSession(ctx)
		if err != nil && !errors.Is(err, ErrNotFound) {
			logger.Warningf("storage: read last session: %v", err)
		}
		session = last
	}
	if session == "" {
		session = ids.New(ids.PrefixSession)
	}
	if err := locator.RememberSession(ctx, session); err != nil {
		logger.Warningf("storage: remember session %s: %v", session, err)
	}
	return session
}

// envelopeVersion is bumped whenever the blob layout changes.
const envelopeVersion = 1

// Envelope is the persisted blob.
type Envelope struct {
	Version  int                  `json:"version"`
	Session  string               `json:"session"`
	SavedAt  time.Time            `json:"savedAt"`
	Snapshot models.StoreSnapshot `json:"snapshot"`
}

// Encode serialises snap for session.
func Encode(session string, snap models.StoreSnapshot) ([]byte, error) {
	b, err := json.Marshal(Envelope{Version: envelopeVersion, Session: session, SavedAt: time.Now().UTC(), Snapshot: snap})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

// Decode parses a blob written by Encode. Missing lists decode as empty ones.
func Decode(data []byte) (models.StoreSnapshot, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.StoreSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if env.Version > envelopeVersion {
		return models.StoreSnapshot{}, fmt.Errorf("decode snapshot: unsupported version %d", env.Version)
	}
	return fill(env.Snapshot), nil
}

// NewSnapshot returns a snapshot with non-nil empty lists.
func NewSnapshot() models.StoreSnapshot {
	return models.StoreSnapshot{Prizes: []models.Prize{}, Participants: []models.Participant{}, Records: []models.DrawRecord{}}
}

func fill(s models.StoreSnapshot) models.StoreSnapshot {
	if s.Prizes == nil {
		s.Prizes = []models.Prize{}
	}
	if s.Participants == nil {
		s.Participants = []models.Participant{}
	}
	if s.Records == nil {
		s.Records = []models.DrawRecord{}
	}
	return s
}

// Chain saves to every persister and loads from the first one holding the session.
// A failing link is logged and skipped. Load reports ErrNotFound only when
// every link answered not found, and Save reports the first error.
type Chain []Persister

func (c Chain) Load(ctx context.Context, session string) (models.StoreSnapshot, error) {
	var failed []error
	for _, p := range c {
		snap, err := p.Load(ctx, session)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, ErrNotFound) {
			logger.Warningf("storage: load %s from %T: %v", session, p, err)
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return models.StoreSnapshot{}, fmt.Errorf("load %s: %w", session, errors.Join(failed...))
	}
	return models.StoreSnapshot{}, ErrNotFound
}

func (c Chain) Save(ctx context.Context, session string, snap models.StoreSnapshot) error {
	var first error
	for _, p := range c {
		if err := p.Save(ctx, session, snap); err != nil {
			logger.Warningf("storage: save %s to %T: %v", session, p, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Memory keeps snapshots in process. Used when no store is configured and in tests.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
	last  string
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, session string) (models.StoreSnapshot, error) {
	m.mu.Lock()
	b, ok := m.blobs[session]
	m.mu.Unlock()
	if !ok {
		return models.StoreSnapshot{}, ErrNotFound
	}
	return Decode(b)
}

func (m *Memory) Save(_ context.Context, session string, snap models.StoreSnapshot) error {
	b, err := Encode(session, snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.blobs[session] = b
	m.mu.Unlock()
	return nil
}

// Len reports how many sessions hold a blob.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

func (m *Memory) LastSession(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == "" {
		return "", ErrNotFound
	}
	return m.last, nil
}

func (m *Memory) RememberSession(_ context.Context, session string) error {
	m.mu.Lock()
	m.last = session
	m.mu.Unlock()
	return nil
}
