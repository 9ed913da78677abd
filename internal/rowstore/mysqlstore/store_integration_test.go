//go:build integration

package mysqlstore

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"raffle/internal/models"
	"raffle/internal/rowstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RAFFLE_MYSQL_TEST_DSN"))
	if dsn == "" {
		t.Skip("RAFFLE_MYSQL_TEST_DSN is not set")
	}
	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := New(context.Background(), db)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return store
}

func TestStore_Integration(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	session := "it_" + time.Now().UTC().Format("150405.000000")
	other := session + "_other"
	t.Cleanup(func() {
		store.DeleteSession(ctx, session)
		store.DeleteSession(ctx, other)
	})
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	if rank, err := store.Insert(ctx, models.CheckinRow{Name: "Ben", Phone: "13800000002", Session: session, Timestamp: at.Add(time.Minute)}); err != nil || rank != 1 {
		t.Fatalf("Expected rank 1, but got %d (%v)", rank, err)
	}
	if rank, err := store.Insert(ctx, models.CheckinRow{Name: "Ann", Phone: "13800000001", Device: "dev_a", Session: session, Timestamp: at}); err != nil || rank != 2 {
		t.Fatalf("Expected rank 2, but got %d (%v)", rank, err)
	}
	if _, err := store.Insert(ctx, models.CheckinRow{Name: "Ann", Phone: "13800000001", Session: other, Timestamp: at}); err != nil {
		t.Fatalf("Expected the same phone to be fine in another session, but got %v", err)
	}

	t.Run("duplicate phone or device", func(t *testing.T) {
		if _, err := store.Insert(ctx, models.CheckinRow{Name: "Annie", Phone: "13800000001", Session: session}); !errors.Is(err, rowstore.ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate for the phone, but got %v", err)
		}
		if _, err := store.Insert(ctx, models.CheckinRow{Name: "Cat", Phone: "13800000003", Device: "dev_a", Session: session}); !errors.Is(err, rowstore.ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate for the device, but got %v", err)
		}
	})

	t.Run("missing devices do not collide", func(t *testing.T) {
		if _, err := store.Insert(ctx, models.CheckinRow{Name: "Dov", Phone: "13800000004", Session: session, Timestamp: at.Add(2 * time.Minute)}); err != nil {
			t.Errorf("Expected a second device-less row to insert, but got %v", err)
		}
	})

	t.Run("list is ordered by timestamp", func(t *testing.T) {
		rows, err := store.List(ctx, session)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(rows) != 3 || rows[0].Name != "Ann" || rows[1].Name != "Ben" || rows[2].Name != "Dov" {
			t.Fatalf("Expected [Ann Ben Dov], but got %+v", rows)
		}
		if rows[0].Device != "dev_a" || rows[1].Device != "" || !rows[0].Timestamp.Equal(at) {
			t.Errorf("Unexpected first rows %+v", rows[:2])
		}
	})

	t.Run("delete is scoped to the session", func(t *testing.T) {
		if err := store.DeleteSession(ctx, session); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if n, _ := store.Count(ctx, session); n != 0 {
			t.Errorf("Expected the session emptied, but got %d", n)
		}
		if n, _ := store.Count(ctx, other); n != 1 {
			t.Errorf("Expected the other session untouched, but got %d", n)
		}
	})
}
