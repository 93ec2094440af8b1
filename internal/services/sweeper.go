package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSweepInterval is how often overdue transactions are swept.
const DefaultSweepInterval = time.Minute

// Expirer is the slice of the lifecycle engine the sweeper drives.
type Expirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// ExpirationSweeper periodically forces overdue unconfirmed
// transactions into cancelled. Ticks run sequentially; a slow tick
// delays the next rather than stacking. Running several sweeper
// instances is safe because correctness rests on the store's
// conditional update, not on the sweeper.
type ExpirationSweeper struct {
	expirer  Expirer
	interval time.Duration
}

func NewExpirationSweeper(expirer Expirer, interval time.Duration) *ExpirationSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &ExpirationSweeper{expirer: expirer, interval: interval}
}

// Run blocks until ctx is cancelled. A failed tick is logged and
// swallowed; the next tick retries.
func (s *ExpirationSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("Expiration sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiration sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *ExpirationSweeper) tick(ctx context.Context) {
	expired, err := s.expirer.ExpireOverdue(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Expiration sweep failed")
		return
	}
	if expired > 0 {
		log.Info().Int("expired", expired).Msg("Expired overdue transactions")
	}
}
