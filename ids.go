package goSession

import (
	"fmt"
	"time"

	"github.com/MrEthical07/goSession/internal"
	"github.com/MrEthical07/goSession/session"
	"github.com/google/uuid"
)

// Clock supplies the current time. Tests substitute a fake.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

// Store timestamps carry millisecond precision; truncating here keeps loaded
// records equal to the ones that were saved.
func (systemClock) Now() time.Time { return time.Now().Truncate(time.Millisecond) }

// IDGenerator produces session ids. Generate is used for new sessions,
// Regenerate for ChangeID and for conflict retries. Ids must be unguessable.
type IDGenerator interface {
	Generate() (string, error)
	Regenerate(rec *session.Record) (string, error)
}

// UUIDGenerator issues UUIDv7 ids. It is the default generator.
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIDGeneration, err)
	}
	return id.String(), nil
}

func (g UUIDGenerator) Regenerate(*session.Record) (string, error) {
	return g.Generate()
}

// RandomIDGenerator issues 256-bit base64url ids. Unlike UUIDv7 they leak no
// creation time.
type RandomIDGenerator struct {
	// Bytes is the entropy per id; values below 16 are raised to 16.
	Bytes int
}

func (g RandomIDGenerator) Generate() (string, error) {
	size := g.Bytes
	if size == 0 {
		size = 32
	}
	if size < internal.MinRandomIDBytes {
		size = internal.MinRandomIDBytes
	}
	id, err := internal.NewRandomID(size)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIDGeneration, err)
	}
	return id, nil
}

func (g RandomIDGenerator) Regenerate(*session.Record) (string, error) {
	return g.Generate()
}
