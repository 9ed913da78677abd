// Package ids mints the opaque identifiers used for prizes, participants,
// draw records, rounds and sessions.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random id of the form "<prefix>_<32 hex chars>".
// An empty prefix yields the bare hex string.
func New(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return hex
	}
	return prefix + "_" + hex
}

// Prefixes used across the module.
const (
	PrefixPrize       = "p"
	PrefixParticipant = "u"
	PrefixRecord      = "r"
	PrefixRound       = "round"
	PrefixSession     = "sess"
)
