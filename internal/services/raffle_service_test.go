package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"raffle/internal/models"
	"raffle/internal/storage"
)

// recordingPersister keeps every saved snapshot in order.
type recordingPersister struct {
	mu    sync.Mutex
	saves []models.StoreSnapshot
	fail  bool
}

func (p *recordingPersister) Load(context.Context, string) (models.StoreSnapshot, error) {
	return models.StoreSnapshot{}, storage.ErrNotFound
}

func (p *recordingPersister) Save(_ context.Context, _ string, snap models.StoreSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("disk full")
	}
	p.saves = append(p.saves, snap.Clone())
	return nil
}

func (p *recordingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saves)
}

func setupService(t *testing.T, people int) (*RaffleService, models.Prize) {
	t.Helper()
	ctx := context.Background()
	service := NewRaffleService(nil, nil)
	prize, err := service.AddPrize(ctx, testSession, "Grand", 1, nil)
	if err != nil {
		t.Fatalf("Expected no error adding prize, but got %v", err)
	}
	names := make([]string, people)
	for i := range names {
		names[i] = string(rune('A'+i%26)) + string(rune('a'+i/26))
	}
	service.AddParticipants(ctx, testSession, names)
	return service, prize
}

const testSession = "test-session"

func snapshotOf(t *testing.T, service *RaffleService, session string) models.StoreSnapshot {
	t.Helper()
	view, err := service.Snapshot(context.Background(), session)
	if err != nil {
		t.Fatalf("Expected the snapshot of %s, but got %v", session, err)
	}
	return view.Snapshot
}

// flakyPersister fails the next loadFailures loads, then behaves like Memory.
type flakyPersister struct {
	*storage.Memory
	mu           sync.Mutex
	loadFailures int
}

func (p *flakyPersister) Load(ctx context.Context, session string) (models.StoreSnapshot, error) {
	p.mu.Lock()
	if p.loadFailures > 0 {
		p.loadFailures--
		p.mu.Unlock()
		return models.StoreSnapshot{}, errors.New("i/o timeout")
	}
	p.mu.Unlock()
	return p.Memory.Load(ctx, session)
}

func TestRaffleService_Draw(t *testing.T) {
	ctx := context.Background()
	service, prize := setupService(t, 3)

	t.Run("Test successful single draw", func(t *testing.T) {
		round, err := service.Draw(ctx, testSession, DrawRequest{PrizeID: prize.ID, Mode: models.DrawModeSingle, Count: 5})
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if len(round.Records) != 1 {
			t.Fatalf("Expected 1 record for a single draw, but got %d", len(round.Records))
		}
		rec := round.Records[0]
		if rec.RoundID != round.RoundID || rec.RoundIndex != 0 || rec.PrizeName != "Grand" || rec.Mode != models.DrawModeSingle {
			t.Errorf("Unexpected record %+v", rec)
		}
		if round.Remaining != 0 {
			t.Errorf("Expected 0 remaining, but got %d", round.Remaining)
		}
	})

	t.Run("Test batch draw excludes previous winners", func(t *testing.T) {
		round, err := service.Draw(ctx, testSession, DrawRequest{PrizeID: prize.ID, Mode: models.DrawModeBatch, Count: 5})
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if len(round.Records) != 2 {
			t.Fatalf("Expected the 2 remaining candidates, but got %d", len(round.Records))
		}
		for i, rec := range round.Records {
			if rec.RoundIndex != i || rec.RoundID != round.RoundID {
				t.Errorf("Expected dense round index %d in round %s, but got %+v", i, round.RoundID, rec)
			}
		}
		if round.Remaining != -2 {
			t.Errorf("Expected quantity to stay advisory (-2 remaining), but got %d", round.Remaining)
		}
	})

	t.Run("Test drawing with no eligible participants", func(t *testing.T) {
		before := snapshotOf(t, service, testSession).Records
		_, err := service.Draw(ctx, testSession, DrawRequest{PrizeID: prize.ID, Mode: models.DrawModeSingle})
		if !errors.Is(err, ErrNothingToDraw) {
			t.Fatalf("Expected ErrNothingToDraw, but got %v", err)
		}
		after := snapshotOf(t, service, testSession).Records
		if len(after) != len(before) {
			t.Errorf("Expected records untouched, but got %d -> %d", len(before), len(after))
		}
	})

	t.Run("Test invalid requests", func(t *testing.T) {
		if _, err := service.Draw(ctx, testSession, DrawRequest{PrizeID: "missing"}); !errors.Is(err, ErrPrizeNotFound) {
			t.Errorf("Expected ErrPrizeNotFound, but got %v", err)
		}
		if _, err := service.Draw(ctx, testSession, DrawRequest{PrizeID: prize.ID, Mode: "triple"}); !errors.Is(err, ErrInvalidDrawMode) {
			t.Errorf("Expected ErrInvalidDrawMode, but got %v", err)
		}
		if _, err := service.Draw(ctx, testSession, DrawRequest{PrizeID: prize.ID, Mode: models.DrawModeBatch}); !errors.Is(err, ErrInvalidDrawCount) {
			t.Errorf("Expected ErrInvalidDrawCount, but got %v", err)
		}
	})
}

func TestRaffleService_NoRepeatWinners(t *testing.T) {
	ctx := context.Background()
	service, prize := setupService(t, 40)
	second, _ := service.AddPrize(ctx, testSession, "Second", 10, nil)

	prizes := []string{prize.ID, second.ID}
	for i := 0; ; i++ {
		req := DrawRequest{PrizeID: prizes[i%2], Mode: models.DrawModeBatch, Count: i%4 + 1}
		if i%3 == 0 {
			req.Mode = models.DrawModeSingle
		}
		if _, err := service.Draw(ctx, testSession, req); err != nil {
			if errors.Is(err, ErrNothingToDraw) {
				break
			}
			t.Fatalf("Unexpected error on draw %d: %v", i, err)
		}
		left, err := service.Candidates(ctx, testSession)
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if len(left)+len(snapshotOf(t, service, testSession).Records) != 40 {
			t.Fatalf("Expected candidates to be the roster minus winners after draw %d", i)
		}
	}

	seen := make(map[string]bool)
	records := snapshotOf(t, service, testSession).Records
	for _, r := range records {
		if seen[r.ParticipantID] {
			t.Fatalf("Participant %s appears in more than one record", r.ParticipantID)
		}
		seen[r.ParticipantID] = true
	}
	if len(records) != 40 {
		t.Errorf("Expected all 40 participants drawn exactly once, but got %d records", len(records))
	}
}

func TestRaffleService_RoundIsAtomic(t *testing.T) {
	ctx := context.Background()
	persister := &recordingPersister{}
	service := NewRaffleService(persister, nil)
	added, _ := service.AddParticipants(ctx, testSession, []string{"Ann", "Ben", "Cat", "Dov"})

	round := func(roundID string, ps ...models.Participant) []models.DrawRecord {
		out := make([]models.DrawRecord, len(ps))
		for i, p := range ps {
			out[i] = models.DrawRecord{ID: roundID + string(rune('a'+i)), ParticipantID: p.ID, RoundID: roundID, RoundIndex: i, Mode: models.DrawModeBatch}
		}
		return out
	}

	if err := service.AppendRound(ctx, testSession, round("r1", added[0])); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}

	t.Run("rejected round writes nothing", func(t *testing.T) {
		err := service.AppendRound(ctx, testSession, round("r2", added[1], added[2], added[0]))
		if !errors.Is(err, ErrAlreadyWon) {
			t.Fatalf("Expected ErrAlreadyWon, but got %v", err)
		}
		if got := len(snapshotOf(t, service, testSession).Records); got != 1 {
			t.Errorf("Expected 1 record after a rejected round, but got %d", got)
		}
	})

	t.Run("accepted round lands whole", func(t *testing.T) {
		if err := service.AppendRound(ctx, testSession, round("r3", added[1], added[2], added[3])); err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		for _, snap := range persister.saves {
			inRound := 0
			for _, r := range snap.Records {
				if r.RoundID == "r3" {
					inRound++
				}
			}
			if inRound != 0 && inRound != 3 {
				t.Fatalf("Observed a partial round with %d of 3 records", inRound)
			}
		}
		if got := len(snapshotOf(t, service, testSession).Records); got != 4 {
			t.Errorf("Expected 4 records, but got %d", got)
		}
	})
}

func TestRaffleService_WriteThrough(t *testing.T) {
	ctx := context.Background()
	persister := &recordingPersister{}
	service := NewRaffleService(persister, nil)

	prize, _ := service.AddPrize(ctx, testSession, "Mug", 2, nil)
	added, _ := service.AddParticipantsWithMeta(ctx, testSession, []models.Incoming{{Name: "Ann", Meta: &models.ParticipantMeta{Phone: "13800000001"}}})
	if _, err := service.UpdateParticipant(ctx, testSession, added[0].ID, "Annie"); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if _, err := service.Draw(ctx, testSession, DrawRequest{PrizeID: prize.ID}); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	service.ClearRecords(ctx, testSession)
	if err := service.RemoveParticipant(ctx, testSession, added[0].ID); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if err := service.RemovePrize(ctx, testSession, prize.ID); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}

	if got := persister.count(); got != 7 {
		t.Errorf("Expected 7 persisted snapshots, but got %d", got)
	}

	t.Run("no-op mutations do not persist", func(t *testing.T) {
		before := persister.count()
		service.AddParticipants(ctx, testSession, []string{"  "})
		service.NormalizeParticipants(ctx, testSession)
		if persister.count() != before {
			t.Errorf("Expected no persist for no-op mutations, but got %d -> %d", before, persister.count())
		}
	})

	t.Run("persist failure keeps state", func(t *testing.T) {
		persister.fail = true
		defer func() { persister.fail = false }()
		service.AddParticipants(ctx, testSession, []string{"Zed"})
		if got := len(snapshotOf(t, service, testSession).Participants); got != 1 {
			t.Errorf("Expected 1 participant despite persist failure, but got %d", got)
		}
	})
}

func TestRaffleService_ResetAll(t *testing.T) {
	ctx := context.Background()
	service, prize := setupService(t, 3)
	if _, err := service.Draw(ctx, testSession, DrawRequest{PrizeID: prize.ID}); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}

	if seq := service.ResetAll(ctx, testSession); seq != 1 {
		t.Errorf("Expected reset seq 1, but got %d", seq)
	}
	view, _ := service.Snapshot(ctx, testSession)
	if len(view.Snapshot.Prizes)+len(view.Snapshot.Participants)+len(view.Snapshot.Records) != 0 {
		t.Errorf("Expected an empty snapshot, but got %+v", view.Snapshot)
	}
	if seq := service.ResetAll(ctx, testSession); seq != 2 || service.ResetSeq(testSession) != 2 {
		t.Errorf("Expected reset seq to keep increasing, but got %d", seq)
	}
	if service.ResetSeq("other-session") != 0 {
		t.Error("Expected reset seq to be per session")
	}
}

func TestRaffleService_SnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	service := NewRaffleService(nil, nil)
	service.AddParticipantsWithMeta(ctx, testSession, []models.Incoming{{Name: "Ann", Meta: &models.ParticipantMeta{Phone: "13800000001"}}})

	view, _ := service.Snapshot(ctx, testSession)
	view.Snapshot.Participants[0].Name = "Mallory"
	view.Snapshot.Participants[0].Meta.Phone = "0"

	again := snapshotOf(t, service, testSession)
	if again.Participants[0].Name != "Ann" || again.Participants[0].Phone() != "13800000001" {
		t.Errorf("Expected the store to be unaffected by reader mutation, but got %+v", again.Participants[0])
	}
}

func TestRaffleService_AddParticipantsDedupesNames(t *testing.T) {
	ctx := context.Background()
	service := NewRaffleService(nil, nil)
	service.AddParticipants(ctx, testSession, []string{"Ann", " Ann ", "", "Ben"})
	added, _ := service.AddParticipants(ctx, testSession, []string{"Ben", "Cy"})

	if len(added) != 1 || added[0].Name != "Cy" {
		t.Errorf("Expected only Cy to be added, but got %v", names(added))
	}
	if got := len(snapshotOf(t, service, testSession).Participants); got != 3 {
		t.Errorf("Expected 3 participants, but got %d", got)
	}
}

func TestRaffleService_CleanUpInactiveSessions(t *testing.T) {
	ctx := context.Background()
	persister := storage.NewMemory()
	service := NewRaffleService(persister, nil)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return clock }

	service.AddParticipants(ctx, "idle", []string{"Ann"})
	clock = clock.Add(2 * time.Hour)
	service.AddParticipants(ctx, "busy", []string{"Ben"})

	if evicted := service.CleanUpInactiveSessions(time.Hour); evicted != 1 {
		t.Fatalf("Expected 1 evicted session, but got %d", evicted)
	}
	if got := snapshotOf(t, service, "idle").Participants; len(got) != 1 || got[0].Name != "Ann" {
		t.Errorf("Expected the idle session to reload from storage, but got %v", names(got))
	}
}

func TestRaffleService_LoadFailureKeepsStoredState(t *testing.T) {
	ctx := context.Background()
	stored := storage.NewMemory()
	seed := NewRaffleService(stored, nil)
	if _, err := seed.AddParticipants(ctx, testSession, []string{"Ann", "Ben", "Cat"}); err != nil {
		t.Fatalf("Expected no error seeding, but got %v", err)
	}

	flaky := &flakyPersister{Memory: stored, loadFailures: 1}
	service := NewRaffleService(storage.Chain{flaky}, nil)

	if _, err := service.AddPrize(ctx, testSession, "Bike", 1, nil); !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("Expected ErrSessionUnavailable, but got %v", err)
	}
	persisted, err := stored.Load(ctx, testSession)
	if err != nil {
		t.Fatalf("Expected the stored snapshot, but got %v", err)
	}
	if len(persisted.Participants) != 3 || len(persisted.Prizes) != 0 {
		t.Fatalf("Expected the stored roster untouched, but got %d participants and %d prizes", len(persisted.Participants), len(persisted.Prizes))
	}

	t.Run("next call retries the load", func(t *testing.T) {
		if _, err := service.AddPrize(ctx, testSession, "Bike", 1, nil); err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		persisted, _ := stored.Load(ctx, testSession)
		if len(persisted.Participants) != 3 || len(persisted.Prizes) != 1 {
			t.Errorf("Expected 3 participants and 1 prize, but got %d and %d", len(persisted.Participants), len(persisted.Prizes))
		}
	})

	t.Run("draws refuse while the session cannot load", func(t *testing.T) {
		other := NewRaffleService(&flakyPersister{Memory: stored, loadFailures: 1}, nil)
		if _, err := other.Draw(ctx, testSession, DrawRequest{PrizeID: "any"}); !errors.Is(err, ErrSessionUnavailable) {
			t.Errorf("Expected ErrSessionUnavailable, but got %v", err)
		}
	})

	t.Run("reset does not need the stored state", func(t *testing.T) {
		other := NewRaffleService(&flakyPersister{Memory: storage.NewMemory(), loadFailures: 1}, nil)
		if seq := other.ResetAll(ctx, testSession); seq != 1 {
			t.Errorf("Expected reset seq 1, but got %d", seq)
		}
	})
}
