package internal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"math"
	"math/big"
	"time"
)

// MinRandomIDBytes is the smallest entropy accepted for session ids.
const MinRandomIDBytes = 16

// NewRandomID returns size random bytes encoded as unpadded base64url.
func NewRandomID(size int) (string, error) {
	if size < MinRandomIDBytes {
		return "", errors.New("random id too short")
	}
	raw := make([]byte, size)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Jitter returns a uniformly random duration in [-spread, spread].
func Jitter(spread time.Duration) (time.Duration, error) {
	if spread <= 0 {
		return 0, nil
	}

	max := spread.Nanoseconds()
	if max > (math.MaxInt64-1)/2 {
		return 0, errors.New("jitter range too large")
	}
	span := max*2 + 1

	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return 0, err
	}
	return time.Duration(n.Int64() - max), nil
}
