package key

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// Size is the length of an AES-128 key.
const Size = 16

// DefaultMaxAttempts is the sampling ceiling of the comparison strategy.
const DefaultMaxAttempts = 25

var (
	// ErrKeyResolutionExhausted means the comparison strategy never saw two differing samples.
	ErrKeyResolutionExhausted = errors.New("key resolution exhausted")
	// ErrInvalidKey means a fetched or configured key does not have the expected length.
	ErrInvalidKey = errors.New("invalid key")
)

// FetchFunc retrieves the raw bytes behind a key locator.
type FetchFunc func(ctx context.Context, locator string) ([]byte, error)

// Strategy resolves the AES key behind a locator.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, locator string) ([]byte, error)
}

// DirectStrategy takes the response of a single fetch as the key.
type DirectStrategy struct {
	Fetch FetchFunc
}

func (s *DirectStrategy) Name() string { return "direct" }

// Resolve fetches locator once.
func (s *DirectStrategy) Resolve(ctx context.Context, locator string) ([]byte, error) {
	data, err := s.Fetch(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key %s: %w", locator, err)
	}
	if len(data) != Size {
		return nil, fmt.Errorf("%w: key from %s is %d bytes, want %d", ErrInvalidKey, locator, len(data), Size)
	}
	return data, nil
}

// ComparisonStrategy recovers the key from an endpoint that adds non-negative noise
// to every byte of every response. Two samples that differ are combined by taking
// the smaller byte at each position.
type ComparisonStrategy struct {
	Fetch FetchFunc
	// MaxAttempts caps the total number of fetches. Zero means DefaultMaxAttempts.
	MaxAttempts int
}

func (s *ComparisonStrategy) Name() string { return "comparison" }

// Resolve samples locator until two consecutive samples differ.
func (s *ComparisonStrategy) Resolve(ctx context.Context, locator string) ([]byte, error) {
	limit := s.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	if limit < 2 {
		limit = 2
	}

	prev, err := s.sample(ctx, locator)
	if err != nil {
		return nil, err
	}
	for attempt := 2; attempt <= limit; attempt++ {
		next, err := s.sample(ctx, locator)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(prev, next) {
			return elementMin(prev, next), nil
		}
		prev = next
	}
	return nil, fmt.Errorf("%w: %d identical samples from %s", ErrKeyResolutionExhausted, limit, locator)
}

func (s *ComparisonStrategy) sample(ctx context.Context, locator string) ([]byte, error) {
	data, err := s.Fetch(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key sample %s: %w", locator, err)
	}
	if len(data) != Size {
		return nil, fmt.Errorf("%w: key sample from %s is %d bytes, want %d", ErrInvalidKey, locator, len(data), Size)
	}
	return data, nil
}

func elementMin(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = min(a[i], b[i])
	}
	return out
}

// StaticStrategy returns a key given up front, ignoring the locator.
type StaticStrategy struct {
	Key []byte
}

func (s *StaticStrategy) Name() string { return "static" }

// Resolve returns the configured key.
func (s *StaticStrategy) Resolve(_ context.Context, _ string) ([]byte, error) {
	if len(s.Key) != Size {
		return nil, fmt.Errorf("%w: static key is %d bytes, want %d", ErrInvalidKey, len(s.Key), Size)
	}
	return bytes.Clone(s.Key), nil
}

// NewStrategy builds the strategy named by configuration.
func NewStrategy(name string, fetch FetchFunc, static []byte) (Strategy, error) {
	switch name {
	case "", "comparison":
		return &ComparisonStrategy{Fetch: fetch}, nil
	case "direct":
		return &DirectStrategy{Fetch: fetch}, nil
	case "static":
		if len(static) != Size {
			return nil, fmt.Errorf("%w: static strategy needs a %d byte key, got %d", ErrInvalidKey, Size, len(static))
		}
		return &StaticStrategy{Key: static}, nil
	default:
		return nil, fmt.Errorf("unknown key strategy '%s' (supported: direct, comparison, static)", name)
	}
}
