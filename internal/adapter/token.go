package adapter

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	tokenCheckInterval   = 60 * time.Second
	tokenExpiryThreshold = 5 * time.Minute
)

// TokenFunc fetches a fresh credential from the platform's credential
// endpoint, returning the token and its remaining lifetime.
type TokenFunc func(ctx context.Context) (token string, ttl time.Duration, err error)

// TokenSource caches a periodically refreshed credential. Platforms whose
// app access token expires mount one of these as a side task that runs
// independently of the connection state machine.
type TokenSource struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	fetch     TokenFunc
	logger    *slog.Logger
	interval  time.Duration
	threshold time.Duration
}

// NewTokenSource creates a source that checks expiry every minute and
// refreshes once the remaining lifetime drops under five minutes.
func NewTokenSource(fetch TokenFunc, logger *slog.Logger) *TokenSource {
	return &TokenSource{
		fetch:     fetch,
		logger:    logger,
		interval:  tokenCheckInterval,
		threshold: tokenExpiryThreshold,
	}
}

// Token returns the cached credential ("" before the first refresh).
func (s *TokenSource) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Prime performs the initial refresh. It must complete once before the first
// connect attempt so the handshake carries a valid credential.
func (s *TokenSource) Prime(ctx context.Context) error {
	return s.refresh(ctx)
}

// Run re-checks expiry on the fixed interval until ctx is done. Refresh
// failures are logged and retried on the next tick; the stale token stays in
// place meanwhile.
func (s *TokenSource) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refreshIfNeeded(ctx); err != nil {
				s.logger.Warn("token refresh failed", "err", err)
			}
		}
	}
}

func (s *TokenSource) refreshIfNeeded(ctx context.Context) error {
	s.mu.RLock()
	due := s.token == "" || time.Until(s.expiresAt) < s.threshold
	s.mu.RUnlock()
	if !due {
		return nil
	}
	return s.refresh(ctx)
}

func (s *TokenSource) refresh(ctx context.Context) error {
	token, ttl, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.token = token
	s.expiresAt = time.Now().Add(ttl)
	s.mu.Unlock()
	s.logger.Debug("credential refreshed", "ttl", ttl)
	return nil
}
