package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Prize represents a single prize category in the raffle.
// Quantity is advisory: the draw engine reports it but never refuses on it.
type Prize struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Quantity  int      `json:"quantity"`
	Weight    *float64 `json:"weight,omitempty"`
	CreatedAt int64    `json:"createdAt"`
}

// ParticipantMeta carries the identity keys a check-in arrived with.
type ParticipantMeta struct {
	Phone  string `json:"phone,omitempty"`
	Device string `json:"device,omitempty"`
}

// Participant represents a person on the session roster.
type Participant struct {
	ID   string           `json:"id"`
	Name string           `json:"name"`
	Meta *ParticipantMeta `json:"meta,omitempty"`
}

// Phone returns the trimmed phone identity, or "".
func (p Participant) Phone() string {
	if p.Meta == nil {
		return ""
	}
	return strings.TrimSpace(p.Meta.Phone)
}

// Device returns the trimmed device identity, or "".
func (p Participant) Device() string {
	if p.Meta == nil {
		return ""
	}
	return strings.TrimSpace(p.Meta.Device)
}

// DrawMode tells whether a round picked one winner or many.
type DrawMode string

const (
	DrawModeSingle DrawMode = "single"
	DrawModeBatch  DrawMode = "batch"
)

// Valid reports whether m is a known mode.
func (m DrawMode) Valid() bool {
	return m == DrawModeSingle || m == DrawModeBatch
}

// DrawRecord stores the outcome of a single winner selection.
// Records sharing a RoundID were produced by one draw invocation and
// RoundIndex orders them within it.
type DrawRecord struct {
	ID            string   `json:"id"`
	PrizeID       string   `json:"prizeId"`
	PrizeName     string   `json:"prizeName,omitempty"`
	ParticipantID string   `json:"participantId"`
	Timestamp     int64    `json:"timestamp"`
	Mode          DrawMode `json:"mode"`
	RoundID       string   `json:"roundId"`
	RoundIndex    int      `json:"roundIndex"`
}

// StoreSnapshot is the full state of one session.
type StoreSnapshot struct {
	Prizes       []Prize       `json:"prizes"`
	Participants []Participant `json:"participants"`
	Records      []DrawRecord  `json:"records"`
}

// Clone returns a deep copy so callers never share slices with the owner.
func (s StoreSnapshot) Clone() StoreSnapshot {
	out := StoreSnapshot{
		Prizes:       make([]Prize, len(s.Prizes)),
		Participants: make([]Participant, len(s.Participants)),
		Records:      make([]DrawRecord, len(s.Records)),
	}
	for i, p := range s.Prizes {
		if p.Weight != nil {
			w := *p.Weight
			p.Weight = &w
		}
		out.Prizes[i] = p
	}
	for i, p := range s.Participants {
		if p.Meta != nil {
			m := *p.Meta
			p.Meta = &m
		}
		out.Participants[i] = p
	}
	copy(out.Records, s.Records)
	return out
}

// CheckinRow is the external shape of a check-in as stored by the backing table.
// It never enters the roster directly; see services.Reconcile.
type CheckinRow struct {
	Name      string    `json:"name" bson:"name"`
	Phone     string    `json:"phone" bson:"phone"`
	Device    string    `json:"device,omitempty" bson:"device,omitempty"`
	Session   string    `json:"session,omitempty" bson:"session"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// Normalize trims every field and reports whether the row is usable.
func (r *CheckinRow) Normalize() bool {
	r.Name = strings.TrimSpace(r.Name)
	r.Phone = strings.TrimSpace(r.Phone)
	r.Device = strings.TrimSpace(r.Device)
	r.Session = strings.TrimSpace(r.Session)
	return r.Name != ""
}

// Incoming is an arriving identity waiting for reconciliation.
type Incoming struct {
	Name string           `json:"name"`
	Meta *ParticipantMeta `json:"meta,omitempty"`
}

// IncomingFromRows converts boundary rows into reconciliation input, dropping unusable rows.
func IncomingFromRows(rows []CheckinRow) []Incoming {
	items := make([]Incoming, 0, len(rows))
	for _, r := range rows {
		if !r.Normalize() {
			continue
		}
		items = append(items, Incoming{Name: r.Name, Meta: &ParticipantMeta{Phone: r.Phone, Device: r.Device}})
	}
	return items
}

// UnmarshalJSON accepts timestamps as RFC3339 strings or unix milliseconds,
// the two shapes the backing table and older relays produce.
func (r *CheckinRow) UnmarshalJSON(data []byte) error {
	type plain CheckinRow
	var aux struct {
		plain
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = CheckinRow(aux.plain)
	r.Timestamp = parseTimestamp(aux.Timestamp)
	return nil
}

func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
		return time.Time{}
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return time.Time{}
}
