// Package shamir implements threshold secret sharing over GF(2^8).
//
// A secret is split byte-wise: every byte position gets its own random
// polynomial of degree k-1 whose constant term is the secret byte, so
// holding fewer than k shares reveals nothing about the secret, and no
// byte position correlates with any other. Any k shares with distinct
// indices reconstruct the secret exactly.
package shamir

import (
	"errors"
	"fmt"
	"io"
)

// SchemeVersion identifies the sharing scheme embedded in every share.
// Shares generated under different scheme versions cannot be combined.
const SchemeVersion = 1

// Share layout: version byte, index byte, then one payload byte per
// secret byte.
const shareHeaderLen = 2

// MaxShares is the largest share count the field supports; index 0 is
// reserved for the secret itself.
const MaxShares = 255

var (
	// ErrInvalidThreshold is returned when split parameters violate
	// 2 <= k <= n <= 255.
	ErrInvalidThreshold = errors.New("shamir: threshold must satisfy 2 <= k <= n <= 255")

	// ErrInsufficientShares is returned when fewer than k distinct
	// shares are supplied to Combine.
	ErrInsufficientShares = errors.New("shamir: not enough distinct shares to reconstruct")

	// ErrIncompatibleShares is returned when shares carry mismatched
	// scheme versions or payload lengths.
	ErrIncompatibleShares = errors.New("shamir: shares were not generated under the same scheme")

	// ErrEmptySecret is returned when there is nothing to split.
	ErrEmptySecret = errors.New("shamir: secret must not be empty")
)

// Share is a single distributed fragment of a split secret.
type Share struct {
	Index   byte
	Payload []byte
}

// Bytes serializes the share as version || index || payload.
func (s Share) Bytes() []byte {
	out := make([]byte, shareHeaderLen+len(s.Payload))
	out[0] = SchemeVersion
	out[1] = s.Index
	copy(out[shareHeaderLen:], s.Payload)
	return out
}

// ParseShare deserializes a share produced by Bytes. The version byte
// is preserved for compatibility checking in Combine.
func ParseShare(raw []byte) (Share, byte, error) {
	if len(raw) < shareHeaderLen+1 {
		return Share{}, 0, fmt.Errorf("shamir: share too short: %d bytes", len(raw))
	}
	if raw[1] == 0 {
		return Share{}, 0, errors.New("shamir: share index must be nonzero")
	}
	payload := make([]byte, len(raw)-shareHeaderLen)
	copy(payload, raw[shareHeaderLen:])
	return Share{Index: raw[1], Payload: payload}, raw[0], nil
}

// Split divides secret into n shares with reconstruction threshold k.
// Random polynomial coefficients are drawn from rand; every byte of the
// secret gets independent coefficients.
func Split(secret []byte, n, k int, rand io.Reader) ([]Share, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if k < 2 || n < k || n > MaxShares {
		return nil, ErrInvalidThreshold
	}

	// One polynomial per secret byte: k-1 random coefficients each,
	// drawn in a single read so a short entropy read fails loudly.
	coeffs := make([]byte, len(secret)*(k-1))
	if _, err := io.ReadFull(rand, coeffs); err != nil {
		return nil, fmt.Errorf("shamir: drawing coefficients: %w", err)
	}

	shares := make([]Share, n)
	poly := make([]byte, k)
	for i := 0; i < n; i++ {
		x := byte(i + 1)
		payload := make([]byte, len(secret))
		for j, b := range secret {
			poly[0] = b
			copy(poly[1:], coeffs[j*(k-1):(j+1)*(k-1)])
			payload[j] = evalPoly(poly, x)
		}
		shares[i] = Share{Index: x, Payload: payload}
	}

	zeroBytes(coeffs)
	zeroBytes(poly)
	return shares, nil
}

// Combine reconstructs the secret from at least k shares. Duplicate
// indices are deduplicated keeping the first occurrence; this is a
// common operator mistake, not an attack signal. The threshold k is the
// value used at split time; Combine cannot know it, so callers pass it
// explicitly and reconstruction fails when fewer distinct shares are
// present.
func Combine(shares []Share, k int) ([]byte, error) {
	if k < 2 {
		return nil, ErrInvalidThreshold
	}

	distinct := dedupeShares(shares)
	if len(distinct) < k {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShares, len(distinct), k)
	}
	distinct = distinct[:k]

	secretLen := len(distinct[0].Payload)
	xs := make([]byte, len(distinct))
	for i, s := range distinct {
		if len(s.Payload) != secretLen {
			return nil, fmt.Errorf("%w: payload length mismatch", ErrIncompatibleShares)
		}
		xs[i] = s.Index
	}

	secret := make([]byte, secretLen)
	ys := make([]byte, len(distinct))
	for j := 0; j < secretLen; j++ {
		for i, s := range distinct {
			ys[i] = s.Payload[j]
		}
		secret[j] = interpolateAtZero(xs, ys)
	}
	return secret, nil
}

// CombineRaw reconstructs from serialized shares, verifying that all of
// them carry the same scheme version before any interpolation runs.
func CombineRaw(raw [][]byte, k int) ([]byte, error) {
	shares := make([]Share, 0, len(raw))
	for _, r := range raw {
		s, version, err := ParseShare(r)
		if err != nil {
			return nil, err
		}
		if version != SchemeVersion {
			return nil, fmt.Errorf("%w: scheme version %d, expected %d",
				ErrIncompatibleShares, version, SchemeVersion)
		}
		shares = append(shares, s)
	}
	return Combine(shares, k)
}

func dedupeShares(shares []Share) []Share {
	seen := make(map[byte]bool, len(shares))
	out := make([]Share, 0, len(shares))
	for _, s := range shares {
		if s.Index == 0 || seen[s.Index] {
			continue
		}
		seen[s.Index] = true
		out = append(out, s)
	}
	return out
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
