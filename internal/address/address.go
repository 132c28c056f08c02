// Package address derives deterministic record addresses.
//
// Every record the engine stores lives at an address computed from a
// namespace tag, the owning identity, and zero or more discriminating byte
// strings. Dependent records never store a pointer to their parent: the
// escrow of a market is found by re-deriving it from the market's address.
//
// Derivation follows the program-derived-address scheme: hash the seeds, a
// one-byte nonce, the program identity and a fixed marker with SHA-256, and
// accept the first digest (nonce counting down from 255) that is not a valid
// ed25519 point. Such an address has no private key, so no caller can sign
// for it; the nonce is the cheap proof that the address came from the seeds.
package address

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Size is the byte length of an address or identity.
const Size = 32

const (
	// MaxSeedLen is the longest discriminating seed accepted.
	MaxSeedLen = 32
	// MaxSeeds is the maximum number of seeds, nonce excluded.
	MaxSeeds = 16
)

const derivationMarker = "ProgramDerivedAddress"

var (
	// ErrSeedTooLong is returned when a seed exceeds MaxSeedLen bytes.
	ErrSeedTooLong = errors.New("address: seed exceeds 32 bytes")

	// ErrTooManySeeds is returned when more than MaxSeeds seeds are given.
	ErrTooManySeeds = errors.New("address: too many seeds")

	// ErrOnCurve is returned by Create when the digest is a valid curve
	// point and therefore unusable as a derived address.
	ErrOnCurve = errors.New("address: derived address lies on the ed25519 curve")

	// ErrNoViableNonce is returned when no nonce in [0,255] yields an
	// off-curve address. Practically unreachable.
	ErrNoViableNonce = errors.New("address: no viable derivation nonce")

	// ErrInvalid is returned when decoding a malformed address string.
	ErrInvalid = errors.New("address: invalid encoding")
)

// Address is a 32-byte record address or caller identity.
type Address [Size]byte

// Zero is the all-zero address. No record is ever stored there.
var Zero Address

// Parse decodes a base58 address.
func Parse(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(raw) != Size {
		return a, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalid, len(raw), Size)
	}
	copy(a[:], raw)
	return a, nil
}

// MustParse is Parse for constants; it panics on bad input.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromBytes copies b into an Address. b must be exactly Size bytes.
func FromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != Size {
		return a, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalid, len(b), Size)
	}
	copy(a[:], b)
	return a, nil
}

// String returns the base58 form.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// Bytes returns a copy of the raw address.
func (a Address) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, a[:])
	return b
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Zero
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// OnCurve reports whether b is the encoding of a valid ed25519 point.
func OnCurve(b []byte) bool {
	if len(b) != Size {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// Create derives the address for seeds (which must already include the
// nonce as the last seed) under program. It fails with ErrOnCurve when the
// digest is a curve point.
func Create(program Address, seeds ...[]byte) (Address, error) {
	if err := checkSeeds(seeds, MaxSeeds+1); err != nil {
		return Zero, err
	}

	h := sha256.New()
	for _, s := range seeds {
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte(derivationMarker))

	var a Address
	copy(a[:], h.Sum(nil))
	if OnCurve(a[:]) {
		return Zero, ErrOnCurve
	}
	return a, nil
}

// Find searches nonces from 255 down to 0 and returns the first off-curve
// address together with the nonce that produced it.
func Find(program Address, seeds ...[]byte) (Address, uint8, error) {
	if err := checkSeeds(seeds, MaxSeeds); err != nil {
		return Zero, 0, err
	}

	withNonce := make([][]byte, len(seeds)+1)
	copy(withNonce, seeds)
	nonce := []byte{0}

	for n := 255; n >= 0; n-- {
		nonce[0] = byte(n)
		withNonce[len(seeds)] = nonce
		a, err := Create(program, withNonce...)
		if err == nil {
			return a, uint8(n), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return Zero, 0, err
		}
	}
	return Zero, 0, ErrNoViableNonce
}

// Verify reports whether addr is the address derived from seeds and nonce
// under program. It costs one hash, not a search.
func Verify(program, addr Address, nonce uint8, seeds ...[]byte) bool {
	withNonce := make([][]byte, len(seeds)+1)
	copy(withNonce, seeds)
	withNonce[len(seeds)] = []byte{nonce}

	got, err := Create(program, withNonce...)
	if err != nil {
		return false
	}
	return bytes.Equal(got[:], addr[:])
}

func checkSeeds(seeds [][]byte, max int) error {
	if len(seeds) > max {
		return ErrTooManySeeds
	}
	for _, s := range seeds {
		if len(s) > MaxSeedLen {
			return ErrSeedTooLong
		}
	}
	return nil
}
