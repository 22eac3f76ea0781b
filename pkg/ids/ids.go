// Package ids defines the opaque 128-bit identities used across the
// episodic memory engine. Both EpisodeID and PatternID wrap uuid.UUID so
// call sites cannot accidentally pass one where the other is expected.
package ids

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// EpisodeID identifies one recorded episode. Globally unique.
type EpisodeID uuid.UUID

// NewEpisodeID generates a fresh random EpisodeID.
func NewEpisodeID() EpisodeID { return EpisodeID(uuid.New()) }

// ParseEpisodeID parses a canonical UUID string into an EpisodeID.
func ParseEpisodeID(s string) (EpisodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return EpisodeID{}, fmt.Errorf("parse episode id: %w", err)
	}
	return EpisodeID(u), nil
}

func (id EpisodeID) String() string { return uuid.UUID(id).String() }
func (id EpisodeID) IsZero() bool   { return id == EpisodeID{} }

// Value implements driver.Valuer so EpisodeID can be written directly by database/sql.
func (id EpisodeID) Value() (driver.Value, error) { return id.String(), nil }

// Scan implements sql.Scanner so EpisodeID can be read directly by database/sql.
func (id *EpisodeID) Scan(src any) error {
	s, ok := src.(string)
	if !ok {
		return fmt.Errorf("episode id scan: unsupported type %T", src)
	}
	parsed, err := ParseEpisodeID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id EpisodeID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *EpisodeID) UnmarshalText(b []byte) error {
	parsed, err := ParseEpisodeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PatternID identifies one pattern record. Derived deterministically from
// (kind, canonical signature) by the caller, then minted as a UUID.
type PatternID uuid.UUID

// NewPatternID generates a fresh random PatternID.
func NewPatternID() PatternID { return PatternID(uuid.New()) }

// ParsePatternID parses a canonical UUID string into a PatternID.
func ParsePatternID(s string) (PatternID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PatternID{}, fmt.Errorf("parse pattern id: %w", err)
	}
	return PatternID(u), nil
}

func (id PatternID) String() string { return uuid.UUID(id).String() }
func (id PatternID) IsZero() bool   { return id == PatternID{} }

func (id PatternID) Value() (driver.Value, error) { return id.String(), nil }

func (id *PatternID) Scan(src any) error {
	s, ok := src.(string)
	if !ok {
		return fmt.Errorf("pattern id scan: unsupported type %T", src)
	}
	parsed, err := ParsePatternID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id PatternID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *PatternID) UnmarshalText(b []byte) error {
	parsed, err := ParsePatternID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// DeterministicPatternID derives a stable PatternID from a pattern's kind and
// canonical signature, so repeated extraction of the same signature upserts
// the same row instead of minting duplicates.
func DeterministicPatternID(kind, canonicalSignature string) PatternID {
	return PatternID(uuid.NewSHA1(patternNamespace, []byte(kind+"\x00"+canonicalSignature)))
}

// patternNamespace is a fixed namespace UUID (v5) used only to derive
// deterministic pattern ids; it has no meaning outside that derivation.
var patternNamespace = uuid.MustParse("8f14e45f-ceea-467e-a4e0-a0d8f3b8f2e0")
