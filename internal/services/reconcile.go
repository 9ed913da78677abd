package services

import (
	"regexp"
	"strings"

	"raffle/internal/ids"
	"raffle/internal/models"
)

// suffixPattern matches the identity suffix appended to conflicting display names.
var suffixPattern = regexp.MustCompile(`\d{4,}$`)

// BaseName strips a trailing identity suffix from a display name.
func BaseName(name string) string {
	return suffixPattern.ReplaceAllString(name, "")
}

// identityGroups tracks distinct phones and devices per base name.
type identityGroups struct {
	phones  map[string]map[string]bool
	devices map[string]map[string]bool
}

func newIdentityGroups() *identityGroups {
	return &identityGroups{
		phones:  make(map[string]map[string]bool),
		devices: make(map[string]map[string]bool),
	}
}

func (g *identityGroups) add(base, phone, device string) {
	if phone != "" {
		if g.phones[base] == nil {
			g.phones[base] = make(map[string]bool)
		}
		g.phones[base][phone] = true
	}
	if device != "" {
		if g.devices[base] == nil {
			g.devices[base] = make(map[string]bool)
		}
		g.devices[base][device] = true
	}
}

// conflicted reports whether more than one identity shares base across both groups.
func conflicted(base string, groups ...*identityGroups) bool {
	phones := make(map[string]bool)
	devices := make(map[string]bool)
	for _, g := range groups {
		for p := range g.phones[base] {
			phones[p] = true
		}
		for d := range g.devices[base] {
			devices[d] = true
		}
	}
	return len(phones) > 1 || len(devices) > 1
}

func lastN(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// displayName builds base+suffix from the identity key. When that name is
// already held by someone else the suffix grows to 6 characters, then to the
// full key.
func displayName(base, key string, taken map[string]bool) string {
	name := base + lastN(key, 4)
	if !taken[name] {
		return name
	}
	if longer := base + lastN(key, 6); !taken[longer] {
		return longer
	}
	return base + key
}

type cleanedItem struct {
	name, phone, device string
	meta                *models.ParticipantMeta
}

// Reconcile merges an incoming batch into roster and returns only the new
// participants, in arrival order. Items whose phone or device is already on
// the roster (or earlier in the batch) are dropped, as are identity-less
// items whose name is already present. Names sharing a base with more than
// one distinct phone or device get the last digits of their own key appended.
func Reconcile(roster []models.Participant, incoming []models.Incoming) []models.Participant {
	cleaned := make([]cleanedItem, 0, len(incoming))
	for _, x := range incoming {
		name := strings.TrimSpace(x.Name)
		if name == "" {
			continue
		}
		item := cleanedItem{name: name}
		if x.Meta != nil {
			m := *x.Meta
			item.meta = &m
			item.phone = strings.TrimSpace(m.Phone)
			item.device = strings.TrimSpace(m.Device)
		}
		cleaned = append(cleaned, item)
	}

	existing := newIdentityGroups()
	seenPhones := make(map[string]bool)
	seenDevices := make(map[string]bool)
	seenNames := make(map[string]bool)
	taken := make(map[string]bool)
	for _, p := range roster {
		phone, device := p.Phone(), p.Device()
		existing.add(BaseName(p.Name), phone, device)
		if phone != "" {
			seenPhones[phone] = true
		}
		if device != "" {
			seenDevices[device] = true
		}
		seenNames[p.Name] = true
		taken[p.Name] = true
	}

	batch := newIdentityGroups()
	for _, x := range cleaned {
		batch.add(x.name, x.phone, x.device)
	}

	next := make([]models.Participant, 0, len(cleaned))
	for _, x := range cleaned {
		if x.phone != "" && seenPhones[x.phone] {
			continue
		}
		if x.device != "" && seenDevices[x.device] {
			continue
		}
		if x.phone == "" && x.device == "" && seenNames[x.name] {
			continue
		}

		key := x.phone
		if key == "" {
			key = x.device
		}
		name := x.name
		if key != "" && conflicted(x.name, existing, batch) {
			name = displayName(x.name, key, taken)
		}

		next = append(next, models.Participant{ID: ids.New(ids.PrefixParticipant), Name: name, Meta: x.meta})
		taken[name] = true
		if x.phone != "" {
			seenPhones[x.phone] = true
		}
		if x.device != "" {
			seenDevices[x.device] = true
		}
		if x.phone == "" && x.device == "" {
			seenNames[x.name] = true
		}
		existing.add(x.name, x.phone, x.device)
	}
	return next
}

// Normalize recomputes display-name suffixes for the whole roster from
// scratch. It only rewrites names; nobody is merged or dropped. changed is
// false when every name already matches, so callers can skip the commit.
func Normalize(roster []models.Participant) (next []models.Participant, changed bool) {
	groups := newIdentityGroups()
	for _, p := range roster {
		groups.add(BaseName(p.Name), p.Phone(), p.Device())
	}

	next = make([]models.Participant, len(roster))
	taken := make(map[string]bool, len(roster))
	for i, p := range roster {
		base := BaseName(p.Name)
		key := p.Phone()
		if key == "" {
			key = p.Device()
		}
		// Identity-less entries never carry a suffix of ours; leave them as typed.
		name := p.Name
		if key != "" {
			name = base
			if conflicted(base, groups) {
				name = displayName(base, key, taken)
			}
		}
		taken[name] = true
		if name != p.Name {
			changed = true
		}
		p.Name = name
		next[i] = p
	}
	return next, changed
}
