package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"raffle/internal/checkin"
	"raffle/internal/events"
	"raffle/internal/middleware"
	"raffle/internal/models"
	"raffle/internal/rowstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.CheckinEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.CheckinEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// failingStore fails every call.
type failingStore struct{}

func (failingStore) Insert(context.Context, models.CheckinRow) (int, error) {
	return 0, errors.New("connection refused")
}
func (failingStore) List(context.Context, string) ([]models.CheckinRow, error) {
	return nil, errors.New("connection refused")
}
func (failingStore) Count(context.Context, string) (int, error) { return 0, errors.New("connection refused") }
func (failingStore) DeleteSession(context.Context, string) error  { return errors.New("connection refused") }

func newRelay(t *testing.T, store rowstore.Store, auth *middleware.Auth) (*gin.Engine, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	h, err := NewRelayHandler(store, pub, auth, "")
	if err != nil {
		t.Fatal(err)
	}
	h.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }
	r := gin.New()
	r.Use(middleware.PermissiveCORS())
	h.RegisterRoutes(r)
	return r, pub
}

func do(r http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeReply(t *testing.T, w *httptest.ResponseRecorder) submitReply {
	t.Helper()
	var reply submitReply
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatalf("Expected a JSON reply, but got %q", w.Body.String())
	}
	return reply
}

func TestRelay_Submit(t *testing.T) {
	store := rowstore.NewMemory()
	r, pub := newRelay(t, store, nil)

	w := do(r, http.MethodPost, "/checkin?s=s1", `{"name":" Ann ","phone":"13800000001","device":"dev_a"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, but got %d", w.Code)
	}
	if reply := decodeReply(t, w); !reply.OK || reply.Rank != 1 {
		t.Errorf("Expected ok with rank 1, but got %+v", reply)
	}
	if len(pub.events) != 1 || pub.events[0].Type != events.TypeInsert || pub.events[0].Row.Name != "Ann" {
		t.Errorf("Expected one INSERT event for Ann, but got %+v", pub.events)
	}

	t.Run("duplicate phone", func(t *testing.T) {
		w := do(r, http.MethodPost, "/checkin?s=s1", `{"name":"Ann","phone":"13800000001"}`)
		reply := decodeReply(t, w)
		if w.Code != http.StatusOK || reply.OK || reply.Message != checkin.MessageDuplicate {
			t.Errorf("Expected 200 duplicate, but got %d %+v", w.Code, reply)
		}
	})

	t.Run("duplicate device", func(t *testing.T) {
		reply := decodeReply(t, do(r, http.MethodPost, "/checkin?s=s1", `{"name":"Zed","phone":"13800000009","device":"dev_a"}`))
		if reply.OK || reply.Message != checkin.MessageDuplicate {
			t.Errorf("Expected a duplicate, but got %+v", reply)
		}
	})

	t.Run("validation", func(t *testing.T) {
		for _, body := range []string{`{"name":"","phone":"13800000002"}`, `{"name":"Ben","phone":"12345"}`, `not json`} {
			if w := do(r, http.MethodPost, "/checkin?s=s1", body); w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400 for %s, but got %d", body, w.Code)
			}
		}
	})

	t.Run("store failure", func(t *testing.T) {
		r, _ := newRelay(t, failingStore{}, nil)
		if w := do(r, http.MethodPost, "/checkin?s=s1", `{"name":"Ben","phone":"13800000002"}`); w.Code != http.StatusBadGateway {
			t.Errorf("Expected 502, but got %d", w.Code)
		}
	})
}

func TestRelay_List(t *testing.T) {
	store := rowstore.NewMemory()
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store.Insert(ctx, models.CheckinRow{Name: "Ben", Phone: "2", Session: "s1", Timestamp: t0.Add(time.Minute)})
	store.Insert(ctx, models.CheckinRow{Name: "Ann", Phone: "1", Session: "s1", Timestamp: t0})
	store.Insert(ctx, models.CheckinRow{Name: "Cat", Phone: "3", Session: "s2", Timestamp: t0})
	r, _ := newRelay(t, store, nil)

	for _, path := range []string{"/checkin?s=s1", "/checkin.json?s=s1"} {
		var rows []models.CheckinRow
		w := do(r, http.MethodGet, path, "")
		if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
			t.Fatal(err)
		}
		if len(rows) != 2 || rows[0].Name != "Ann" || rows[1].Name != "Ben" {
			t.Errorf("Expected [Ann Ben] from %s, but got %+v", path, rows)
		}
	}

	t.Run("store failure lists nothing", func(t *testing.T) {
		r, _ := newRelay(t, failingStore{}, nil)
		w := do(r, http.MethodGet, "/checkin.json?s=s1", "")
		if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
			t.Errorf("Expected 200 [], but got %d %q", w.Code, w.Body.String())
		}
	})
}

func TestRelay_ExportCSV(t *testing.T) {
	store := rowstore.NewMemory()
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store.Insert(context.Background(), models.CheckinRow{Name: `Ann "A"`, Phone: "13800000001", Session: "s1", Timestamp: t0})
	r, _ := newRelay(t, store, nil)

	w := do(r, http.MethodGet, "/checkin.csv?s=s1", "")
	want := "name,phone,device,timestamp\n\"Ann \"\"A\"\"\",13800000001,,2026-05-01T09:00:00.000Z\n"
	if w.Body.String() != want {
		t.Errorf("Expected %q, but got %q", want, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Expected text/csv, but got %q", ct)
	}
}

func TestRelay_Reset(t *testing.T) {
	ctx := context.Background()
	auth := middleware.NewAuth("s3cret", time.Hour)
	store := rowstore.NewMemory()
	store.Insert(ctx, models.CheckinRow{Name: "Ann", Phone: "1", Session: "s1"})
	store.Insert(ctx, models.CheckinRow{Name: "Ben", Phone: "2", Session: "s1"})
	store.Insert(ctx, models.CheckinRow{Name: "Cat", Phone: "3", Session: "s2"})
	r, pub := newRelay(t, store, auth)

	if w := do(r, http.MethodPost, "/checkin/reset?s=s1", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without a token, but got %d", w.Code)
	}

	tok, _ := auth.Issue("host")
	for _, path := range []string{"/checkin/reset?s=s1", "/checkin.reset?s=s1"} {
		w := do(r, http.MethodPost, path, "", "Authorization", "Bearer "+tok)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok":true`) {
			t.Errorf("Expected ok from %s, but got %d %s", path, w.Code, w.Body.String())
		}
	}
	if n, _ := store.Count(ctx, "s1"); n != 0 {
		t.Errorf("Expected s1 empty, but got %d", n)
	}
	if n, _ := store.Count(ctx, "s2"); n != 1 {
		t.Errorf("Expected s2 untouched, but got %d", n)
	}
	if len(pub.events) != 2 || pub.events[0].Type != events.TypeDelete {
		t.Errorf("Expected two DELETE events, but got %+v", pub.events)
	}
}

func TestRelay_Preflight(t *testing.T) {
	r, _ := newRelay(t, rowstore.NewMemory(), nil)
	w := do(r, http.MethodOptions, "/checkin?s=s1", "", "Origin", "https://guest.example", "Access-Control-Request-Method", "POST")
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Expected a permissive 204, but got %d %v", w.Code, w.Header())
	}
}
