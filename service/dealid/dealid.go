// Package dealid generates and converts the 128-bit identifiers that key the
// escrow lifecycle. The canonical string form is the hyphenated hex style of
// a UUID. Identifiers may be client-supplied, derived deterministically from
// the deal terms, or random.
//
// Deterministic derivation matters for idempotency: a client that retries an
// initiate request after a timeout converges on the same identifier without
// a round trip, so the server sees the retry as the same logical deal.
package dealid

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// ByteLen is the length of a deal identifier in bytes.
const ByteLen = 16

// ErrMalformedDealID indicates a deal id string that does not decode to
// exactly 16 bytes.
var ErrMalformedDealID = errors.New("malformed deal id")

// Seed is the deterministic derivation input: the deal terms that identify a
// logical deal. Field order here is irrelevant; hashing uses a canonical
// key-sorted JSON encoding.
type Seed struct {
	Seller    string `json:"seller"`
	Buyer     string `json:"buyer"`
	Amount    string `json:"amount"`
	DeliverAt int64  `json:"deliver_at"`
}

// Ensure resolves the deal id for a request. A non-empty proposed id is
// validated and returned verbatim. Otherwise, if a seed is given, the id is
// derived from it deterministically. With neither, a random id is generated.
func Ensure(proposed string, seed *Seed) (string, error) {
	if proposed != "" {
		id, err := uuid.Parse(proposed)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrMalformedDealID, proposed, err)
		}
		return id.String(), nil
	}

	if seed != nil {
		return FromSeed(*seed)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate deal id: %w", err)
	}
	return id.String(), nil
}

// FromSeed derives a deal id from the deal terms: sha256 of the canonical
// key-sorted JSON encoding of the seed, truncated to 16 bytes.
func FromSeed(seed Seed) (string, error) {
	// encoding/json marshals struct fields in declaration order, so build a
	// map to get the canonical key-sorted encoding.
	canonical, err := json.Marshal(map[string]any{
		"seller":     seed.Seller,
		"buyer":      seed.Buyer,
		"amount":     seed.Amount,
		"deliver_at": seed.DeliverAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode deal id seed: %w", err)
	}

	sum := sha256.Sum256(canonical)
	id, err := uuid.FromBytes(sum[:ByteLen])
	if err != nil {
		return "", fmt.Errorf("failed to build deal id from seed hash: %w", err)
	}
	return id.String(), nil
}

// ToBytes decodes a deal id string into its 16-byte form.
func ToBytes(id string) ([]byte, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedDealID, id, err)
	}
	b := make([]byte, ByteLen)
	copy(b, parsed[:])
	return b, nil
}

// FromBytes is the inverse of ToBytes.
func FromBytes(b []byte) (string, error) {
	if len(b) != ByteLen {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedDealID, ByteLen, len(b))
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedDealID, err)
	}
	return id.String(), nil
}

// ToBigInt decodes a deal id string into its big-endian integer form.
func ToBigInt(id string) (*big.Int, error) {
	b, err := ToBytes(id)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
