// Package entropy supplies cryptographically strong random bytes from a
// prioritized chain of providers with a local fallback that always
// succeeds. External providers (randomness beacons, KMS, the Nitro
// Secure Module) are tried in order with short per-call timeouts; a
// provider that errors, times out, or returns the wrong number of bytes
// is skipped for that call, never retried and never topped up. Falling
// through to the local CSPRNG is a normal operating mode, not a
// degraded one, and callers must not assume where their bytes came
// from.
package entropy

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrUnavailable is returned only when every configured provider,
// including the local CSPRNG, failed. In practice the local fallback is
// authoritative and this indicates an unrecoverable environment fault.
var ErrUnavailable = errors.New("entropy: all providers failed including local fallback")

// DefaultProviderTimeout bounds a single provider attempt so a hung
// randomness service cannot stall recovery.
const DefaultProviderTimeout = 300 * time.Millisecond

// Provider produces exactly n random bytes or fails for this call.
type Provider interface {
	// Name labels the provider in logs.
	Name() string
	// Random returns exactly n bytes. Returning fewer is a failure.
	Random(ctx context.Context, n int) ([]byte, error)
}

// Source draws random bytes from external providers in priority order,
// blending every successful external read with local randomness, and
// falls back to the local CSPRNG alone when no external provider
// answers.
type Source struct {
	providers []Provider
	timeout   time.Duration
}

// Option configures a Source.
type Option func(*Source)

// WithProviderTimeout overrides the per-provider attempt timeout.
func WithProviderTimeout(d time.Duration) Option {
	return func(s *Source) { s.timeout = d }
}

// NewSource creates a Source trying the given external providers in
// order. A Source with no providers is valid and serves purely from the
// local CSPRNG.
func NewSource(providers []Provider, opts ...Option) *Source {
	s := &Source{
		providers: providers,
		timeout:   DefaultProviderTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns exactly n cryptographically strong random bytes.
func (s *Source) Get(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("entropy: invalid request for %d bytes", n)
	}

	for _, p := range s.providers {
		b, err := s.tryProvider(ctx, p, n)
		if err != nil {
			log.Warn().
				Err(err).
				Str("provider", p.Name()).
				Int("bytes", n).
				Msg("Entropy provider skipped")
			continue
		}
		// Blend with local randomness so a compromised external
		// provider cannot lower the output quality below the local
		// CSPRNG.
		local := make([]byte, n)
		if _, err := rand.Read(local); err != nil {
			zeroBytes(b)
			return nil, fmt.Errorf("%w: local RNG: %v", ErrUnavailable, err)
		}
		for i := range b {
			b[i] ^= local[i]
		}
		zeroBytes(local)
		return b, nil
	}

	// Terminal fallback: the platform CSPRNG.
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("%w: local RNG: %v", ErrUnavailable, err)
	}
	return b, nil
}

func (s *Source) tryProvider(ctx context.Context, p Provider, n int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	b, err := p.Random(ctx, n)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		// Short reads are a failure for this call, not silently
		// topped up: topping up would make the entropy quality of the
		// failure mode unauditable.
		return nil, fmt.Errorf("provider returned %d bytes, requested %d", len(b), n)
	}
	return b, nil
}

// Reader adapts the Source to io.Reader for APIs that draw randomness
// through a reader, such as shamir.Split.
func (s *Source) Reader(ctx context.Context) io.Reader {
	return &sourceReader{src: s, ctx: ctx}
}

type sourceReader struct {
	src *Source
	ctx context.Context
}

func (r *sourceReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b, err := r.src.Get(r.ctx, len(p))
	if err != nil {
		return 0, err
	}
	n := copy(p, b)
	zeroBytes(b)
	return n, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
