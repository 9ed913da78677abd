package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/logger"

	"raffle/internal/ids"
	"raffle/internal/models"
	"raffle/internal/random"
	"raffle/internal/storage"
)

// RaffleSession holds the state owned for one session id.
type RaffleSession struct {
	Snapshot     models.StoreSnapshot
	LastActivity time.Time
}

// SessionView is an immutable copy handed to readers.
type SessionView struct {
	Session  string               `json:"session"`
	ResetSeq int                  `json:"resetSeq"`
	Snapshot models.StoreSnapshot `json:"snapshot"`
}

// DrawRequest asks for one round of winners for a prize.
type DrawRequest struct {
	PrizeID string          `json:"prizeId"`
	Mode    models.DrawMode `json:"mode"`
	Count   int             `json:"count"`
}

// Round is the outcome of one draw invocation.
type Round struct {
	RoundID string               `json:"roundId"`
	Mode    models.DrawMode      `json:"mode"`
	Prize   models.Prize         `json:"prize"`
	Records []models.DrawRecord  `json:"records"`
	Winners []models.Participant `json:"winners"`
	// Remaining is the advisory quantity left for the prize; it may go negative.
	Remaining int `json:"remaining"`
}

// RaffleService owns the snapshot of every session and is the only writer.
// Each mutation is applied under the lock and written through to the persister.
type RaffleService struct {
	mu        sync.RWMutex
	sessions  map[string]*RaffleSession
	resetSeqs map[string]int
	persister storage.Persister
	rng       random.Intn
	now       func() time.Time
}

// NewRaffleService creates a service. A nil persister keeps state in memory,
// a nil rng uses random.Default.
func NewRaffleService(persister storage.Persister, rng random.Intn) *RaffleService {
	if persister == nil {
		persister = storage.NewMemory()
	}
	if rng == nil {
		rng = random.Default
	}
	return &RaffleService{
		sessions:  make(map[string]*RaffleSession),
		resetSeqs: make(map[string]int),
		persister: persister,
		rng:       rng,
		now:       time.Now,
	}
}

// getSession returns a session, loading it when absent. Only ErrNotFound
// starts a session empty; any other load error is returned and nothing is
// cached, so the next call tries the load again. Callers hold s.mu.
func (s *RaffleService) getSession(ctx context.Context, sessionID string) (*RaffleSession, error) {
	session, exists := s.sessions[sessionID]
	if !exists {
		snap, err := s.persister.Load(ctx, sessionID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			snap = storage.NewSnapshot()
		case err != nil:
			logger.Warningf("raffle: load session %s: %v", sessionID, err)
			return nil, fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
		}
		session = &RaffleSession{Snapshot: snap}
		s.sessions[sessionID] = session
	}
	session.LastActivity = s.now()
	return session, nil
}

// replaceSession returns the cached session or a blank one without loading.
// Used by writes that discard the previous state anyway. Callers hold s.mu.
func (s *RaffleService) replaceSession(sessionID string) *RaffleSession {
	session, exists := s.sessions[sessionID]
	if !exists {
		session = &RaffleSession{Snapshot: storage.NewSnapshot()}
		s.sessions[sessionID] = session
	}
	session.LastActivity = s.now()
	return session
}

// commit swaps in next and persists it. Persist failures are logged only:
// durability is best-effort and the in-memory state stays authoritative.
func (s *RaffleService) commit(ctx context.Context, sessionID string, session *RaffleSession, next models.StoreSnapshot) {
	session.Snapshot = next
	if err := s.persister.Save(ctx, sessionID, next); err != nil {
		logger.Warningf("raffle: persist session %s: %v", sessionID, err)
	}
}

// Snapshot returns a copy of the session state.
func (s *RaffleService) Snapshot(ctx context.Context, sessionID string) (SessionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{Session: sessionID, ResetSeq: s.resetSeqs[sessionID], Snapshot: session.Snapshot.Clone()}, nil
}

// ResetSeq returns the number of full resets the session has seen.
func (s *RaffleService) ResetSeq(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resetSeqs[sessionID]
}

// AddPrize adds a new prize to the session.
func (s *RaffleService) AddPrize(ctx context.Context, sessionID, name string, quantity int, weight *float64) (models.Prize, error) {
	name = strings.TrimSpace(name)
	if name == "" || quantity < 0 {
		return models.Prize{}, ErrInvalidPrize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return models.Prize{}, err
	}

	prize := models.Prize{ID: ids.New(ids.PrefixPrize), Name: name, Quantity: quantity, Weight: weight, CreatedAt: s.now().UnixMilli()}
	next := session.Snapshot.Clone()
	next.Prizes = append(next.Prizes, prize)
	s.commit(ctx, sessionID, session, next)
	return prize, nil
}

// RemovePrize deletes a prize. Existing records keep their prize name.
func (s *RaffleService) RemovePrize(ctx context.Context, sessionID, prizeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}

	next := session.Snapshot.Clone()
	kept := next.Prizes[:0]
	for _, p := range next.Prizes {
		if p.ID != prizeID {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(next.Prizes) {
		return ErrPrizeNotFound
	}
	next.Prizes = kept
	s.commit(ctx, sessionID, session, next)
	return nil
}

// AddParticipants adds plain names, skipping blanks and names already on the roster.
func (s *RaffleService) AddParticipants(ctx context.Context, sessionID string, names []string) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]bool, len(session.Snapshot.Participants))
	for _, p := range session.Snapshot.Participants {
		existing[p.Name] = true
	}
	added := make([]models.Participant, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || existing[n] {
			continue
		}
		existing[n] = true
		added = append(added, models.Participant{ID: ids.New(ids.PrefixParticipant), Name: n})
	}
	if len(added) == 0 {
		return added, nil
	}
	next := session.Snapshot.Clone()
	next.Participants = append(next.Participants, added...)
	s.commit(ctx, sessionID, session, next)
	return added, nil
}

// AddParticipantsWithMeta reconciles identity-bearing items into the roster
// and returns the participants actually added.
func (s *RaffleService) AddParticipantsWithMeta(ctx context.Context, sessionID string, items []models.Incoming) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	added := Reconcile(session.Snapshot.Participants, items)
	if len(added) == 0 {
		return added, nil
	}
	next := session.Snapshot.Clone()
	next.Participants = append(next.Participants, added...)
	s.commit(ctx, sessionID, session, next)
	logger.Infof("raffle: session %s roster +%d (now %d)", sessionID, len(added), len(next.Participants))
	return added, nil
}

// NormalizeParticipants recomputes display-name suffixes and commits only on change.
func (s *RaffleService) NormalizeParticipants(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return false, err
	}

	participants, changed := Normalize(session.Snapshot.Clone().Participants)
	if !changed {
		return false, nil
	}
	next := session.Snapshot.Clone()
	next.Participants = participants
	s.commit(ctx, sessionID, session, next)
	return true, nil
}

// RemoveParticipant deletes one participant from the roster.
func (s *RaffleService) RemoveParticipant(ctx context.Context, sessionID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}

	next := session.Snapshot.Clone()
	kept := next.Participants[:0]
	for _, p := range next.Participants {
		if p.ID != participantID {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(next.Participants) {
		return ErrParticipantNotFound
	}
	next.Participants = kept
	s.commit(ctx, sessionID, session, next)
	return nil
}

// UpdateParticipant renames a participant.
func (s *RaffleService) UpdateParticipant(ctx context.Context, sessionID, participantID, name string) (models.Participant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Participant{}, ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return models.Participant{}, err
	}

	next := session.Snapshot.Clone()
	for i := range next.Participants {
		if next.Participants[i].ID == participantID {
			next.Participants[i].Name = name
			s.commit(ctx, sessionID, session, next)
			return next.Participants[i], nil
		}
	}
	return models.Participant{}, ErrParticipantNotFound
}

// ClearParticipants empties the roster.
func (s *RaffleService) ClearParticipants(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}

	next := session.Snapshot.Clone()
	next.Participants = []models.Participant{}
	s.commit(ctx, sessionID, session, next)
	return nil
}

// Candidates returns the roster minus everyone already holding a record.
func (s *RaffleService) Candidates(ctx context.Context, sessionID string) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return candidates(session.Snapshot), nil
}

func candidates(snap models.StoreSnapshot) []models.Participant {
	won := make(map[string]bool, len(snap.Records))
	for _, r := range snap.Records {
		won[r.ParticipantID] = true
	}
	out := make([]models.Participant, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		if !won[p.ID] {
			if p.Meta != nil {
				m := *p.Meta
				p.Meta = &m
			}
			out = append(out, p)
		}
	}
	return out
}

// AppendRound appends a full round of records in one step. Nothing is
// written when any record would repeat a winner.
func (s *RaffleService) AppendRound(ctx context.Context, sessionID string, records []models.DrawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.appendRound(ctx, sessionID, session, records)
}

func (s *RaffleService) appendRound(ctx context.Context, sessionID string, session *RaffleSession, records []models.DrawRecord) error {
	won := make(map[string]bool, len(session.Snapshot.Records)+len(records))
	for _, r := range session.Snapshot.Records {
		won[r.ParticipantID] = true
	}
	for _, r := range records {
		if won[r.ParticipantID] {
			return fmt.Errorf("%w: %s", ErrAlreadyWon, r.ParticipantID)
		}
		won[r.ParticipantID] = true
	}

	next := session.Snapshot.Clone()
	all := make([]models.DrawRecord, 0, len(next.Records)+len(records))
	all = append(all, next.Records...)
	all = append(all, records...)
	next.Records = all
	s.commit(ctx, sessionID, session, next)
	return nil
}

// Draw runs one round for a prize. Candidates exclude every previous winner
// of any prize; all winners share a fresh round id and are appended together.
// An empty pool yields ErrNothingToDraw and leaves the records untouched.
func (s *RaffleService) Draw(ctx context.Context, sessionID string, req DrawRequest) (Round, error) {
	if req.Mode == "" {
		req.Mode = models.DrawModeSingle
	}
	if !req.Mode.Valid() {
		return Round{}, ErrInvalidDrawMode
	}
	if req.Mode == models.DrawModeBatch && req.Count < 1 {
		return Round{}, ErrInvalidDrawCount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return Round{}, err
	}

	var prize *models.Prize
	for i := range session.Snapshot.Prizes {
		if session.Snapshot.Prizes[i].ID == req.PrizeID {
			prize = &session.Snapshot.Prizes[i]
			break
		}
	}
	if prize == nil {
		return Round{}, ErrPrizeNotFound
	}

	pool := candidates(session.Snapshot)
	if len(pool) == 0 {
		return Round{}, ErrNothingToDraw
	}

	var winners []models.Participant
	if req.Mode == models.DrawModeSingle {
		w, _ := random.DrawSingle(s.rng, pool)
		winners = []models.Participant{w}
	} else {
		winners = random.DrawBatch(s.rng, pool, req.Count)
	}

	round := Round{RoundID: ids.New(ids.PrefixRound), Mode: req.Mode, Prize: *prize, Winners: winners}
	now := s.now().UnixMilli()
	for i, w := range winners {
		round.Records = append(round.Records, models.DrawRecord{
			ID:            ids.New(ids.PrefixRecord),
			PrizeID:       prize.ID,
			PrizeName:     prize.Name,
			ParticipantID: w.ID,
			Timestamp:     now,
			Mode:          req.Mode,
			RoundID:       round.RoundID,
			RoundIndex:    i,
		})
	}
	if err := s.appendRound(ctx, sessionID, session, round.Records); err != nil {
		return Round{}, err
	}

	awarded := 0
	for _, r := range session.Snapshot.Records {
		if r.PrizeID == prize.ID {
			awarded++
		}
	}
	round.Remaining = round.Prize.Quantity - awarded
	logger.Infof("raffle: session %s round %s drew %d for %q", sessionID, round.RoundID, len(winners), prize.Name)
	return round, nil
}

// ClearRecords drops the draw history, making everyone eligible again.
func (s *RaffleService) ClearRecords(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}

	next := session.Snapshot.Clone()
	next.Records = []models.DrawRecord{}
	s.commit(ctx, sessionID, session, next)
	return nil
}

// WriteSnapshot replaces the whole session state. The stored state is not
// read first, so this works while the persister fails to load.
func (s *RaffleService) WriteSnapshot(ctx context.Context, sessionID string, snap models.StoreSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commit(ctx, sessionID, s.replaceSession(sessionID), snap.Clone())
}

// ResetAll replaces the session with an empty snapshot and bumps its reset
// counter so observers can drop their own transient state.
func (s *RaffleService) ResetAll(ctx context.Context, sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commit(ctx, sessionID, s.replaceSession(sessionID), storage.NewSnapshot())
	s.resetSeqs[sessionID]++
	logger.Infof("Reset session %s (seq %d)", sessionID, s.resetSeqs[sessionID])
	return s.resetSeqs[sessionID]
}

// CleanUpInactiveSessions evicts sessions idle for longer than maxIdle from
// memory. Their snapshots are reloaded from the persister on next access.
func (s *RaffleService) CleanUpInactiveSessions(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for sessionID, session := range s.sessions {
		if s.now().Sub(session.LastActivity) > maxIdle {
			delete(s.sessions, sessionID)
			evicted++
			logger.Infof("Evicted idle session: %s", sessionID)
		}
	}
	return evicted
}
