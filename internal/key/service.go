package key

import (
	"bytes"
	"context"
	"sync"
	"tsgrab/internal/logger"
	"tsgrab/internal/metrics"
)

// Service memoizes resolved keys for one download.
// Each locator is resolved at most once for the Service's lifetime; concurrent callers
// asking for the same locator wait for the first resolution.
type Service struct {
	strategy Strategy
	logger   logger.Logger

	mu   sync.RWMutex
	keys map[string][]byte
	// resolving serializes resolution so the noisy endpoint is never sampled twice in parallel.
	resolving sync.Mutex
}

// NewService creates a memoizing key service on top of strategy.
func NewService(strategy Strategy, log logger.Logger) *Service {
	return &Service{
		strategy: strategy,
		logger:   log,
		keys:     make(map[string][]byte),
	}
}

// Key returns the key for locator, resolving it on first use.
func (s *Service) Key(ctx context.Context, locator string) ([]byte, error) {
	if k, ok := s.cached(locator); ok {
		return k, nil
	}

	s.resolving.Lock()
	defer s.resolving.Unlock()
	if k, ok := s.cached(locator); ok {
		return k, nil
	}

	s.logger.Infof("Resolving key %s using %s strategy", locator, s.strategy.Name())
	k, err := s.strategy.Resolve(ctx, locator)
	if err != nil {
		metrics.KeyResolutionsTotal.WithLabelValues(s.strategy.Name(), "error").Inc()
		s.logger.Errorf("Key resolution for %s failed: %v", locator, err)
		return nil, err
	}
	metrics.KeyResolutionsTotal.WithLabelValues(s.strategy.Name(), "ok").Inc()

	s.mu.Lock()
	s.keys[locator] = k
	s.mu.Unlock()
	return bytes.Clone(k), nil
}

// Prime resolves every locator up front, before parallel workers start.
func (s *Service) Prime(ctx context.Context, locators []string) error {
	for _, l := range locators {
		if _, err := s.Key(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) cached(locator string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[locator]
	if !ok {
		return nil, false
	}
	return bytes.Clone(k), true
}
