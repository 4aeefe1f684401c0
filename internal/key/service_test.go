package key

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"tsgrab/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trueKey, _ = hex.DecodeString("15f515458cdb5107452f943a111cbe89")

// noisySource returns trueKey with non-negative noise added to its bytes.
// The first identicalFirst calls return the clean key to exercise the retry loop.
type noisySource struct {
	mu             sync.Mutex
	rng            *rand.Rand
	calls          int
	identicalFirst int
}

func (n *noisySource) fetch(_ context.Context, _ string) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.calls <= n.identicalFirst {
		return bytes.Clone(trueKey), nil
	}
	out := make([]byte, Size)
	for i, b := range trueKey {
		// Noise never pushes a byte past 255, and position i stays at the true value
		// on alternating calls so the element-wise minimum recovers it.
		headroom := 255 - int(b)
		noise := 0
		if headroom > 0 && (n.calls+i)%2 == 0 {
			noise = 1 + n.rng.Intn(headroom)
		}
		out[i] = b + byte(noise)
	}
	return out, nil
}

func TestComparisonStrategy_RecoversTrueKey(t *testing.T) {
	src := &noisySource{rng: rand.New(rand.NewSource(1))}
	s := &ComparisonStrategy{Fetch: src.fetch}

	k, err := s.Resolve(context.Background(), "https://keys.example/1")
	require.NoError(t, err)
	assert.Equal(t, trueKey, k)
	assert.Equal(t, 2, src.calls)
}

func TestComparisonStrategy_RetriesWhileIdentical(t *testing.T) {
	src := &noisySource{rng: rand.New(rand.NewSource(2)), identicalFirst: 5}
	s := &ComparisonStrategy{Fetch: src.fetch}

	k, err := s.Resolve(context.Background(), "https://keys.example/1")
	require.NoError(t, err)
	assert.Equal(t, trueKey, k)
	assert.Equal(t, 6, src.calls)
}

func TestComparisonStrategy_ElementWiseMinimum(t *testing.T) {
	a := []byte{9, 0, 5, 5, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 255}
	b := []byte{1, 7, 5, 6, 0, 2, 9, 4, 5, 6, 7, 8, 9, 10, 12, 254}
	samples := [][]byte{a, b}
	calls := 0
	s := &ComparisonStrategy{Fetch: func(context.Context, string) ([]byte, error) {
		out := samples[calls]
		calls++
		return out, nil
	}}

	k, err := s.Resolve(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 5, 5, 0, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 254}, k)
}

func TestComparisonStrategy_Exhausted(t *testing.T) {
	var calls int32
	s := &ComparisonStrategy{Fetch: func(context.Context, string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return bytes.Clone(trueKey), nil
	}}

	_, err := s.Resolve(context.Background(), "k")
	assert.ErrorIs(t, err, ErrKeyResolutionExhausted)
	assert.Equal(t, int32(DefaultMaxAttempts), calls)
}

func TestComparisonStrategy_FetchErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	s := &ComparisonStrategy{Fetch: func(context.Context, string) ([]byte, error) { return nil, boom }}
	_, err := s.Resolve(context.Background(), "k")
	assert.ErrorIs(t, err, boom)
}

func TestDirectStrategy(t *testing.T) {
	s := &DirectStrategy{Fetch: func(context.Context, string) ([]byte, error) { return trueKey, nil }}
	k, err := s.Resolve(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, trueKey, k)

	short := &DirectStrategy{Fetch: func(context.Context, string) ([]byte, error) { return []byte("short"), nil }}
	_, err = short.Resolve(context.Background(), "k")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestNewStrategy(t *testing.T) {
	fetch := func(context.Context, string) ([]byte, error) { return nil, nil }

	s, err := NewStrategy("", fetch, nil)
	require.NoError(t, err)
	assert.Equal(t, "comparison", s.Name())

	s, err = NewStrategy("direct", fetch, nil)
	require.NoError(t, err)
	assert.Equal(t, "direct", s.Name())

	_, err = NewStrategy("static", fetch, []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	s, err = NewStrategy("static", fetch, trueKey)
	require.NoError(t, err)
	k, err := s.Resolve(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, trueKey, k)

	_, err = NewStrategy("vote", fetch, nil)
	assert.Error(t, err)
}

func TestService_MemoizesAcrossConcurrentCallers(t *testing.T) {
	var calls int32
	strategy := &DirectStrategy{Fetch: func(context.Context, string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return bytes.Clone(trueKey), nil
	}}
	svc := NewService(strategy, logger.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := svc.Key(context.Background(), "https://keys.example/1")
			assert.NoError(t, err)
			assert.Equal(t, trueKey, k)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls)
}

func TestService_ReturnedKeyIsACopy(t *testing.T) {
	svc := NewService(&StaticStrategy{Key: trueKey}, logger.Nop())
	k, err := svc.Key(context.Background(), "k")
	require.NoError(t, err)
	k[0] ^= 0xff

	again, err := svc.Key(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, trueKey, again)
}

func TestService_FailureIsNotCached(t *testing.T) {
	var calls int32
	strategy := &DirectStrategy{Fetch: func(context.Context, string) ([]byte, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("transient")
		}
		return trueKey, nil
	}}
	svc := NewService(strategy, logger.Nop())

	_, err := svc.Key(context.Background(), "k")
	require.Error(t, err)
	require.NoError(t, svc.Prime(context.Background(), []string{"k"}))
	assert.Equal(t, int32(2), calls)
}
