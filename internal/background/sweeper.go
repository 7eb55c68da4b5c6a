package background

import (
	"context"
	"log/slog"
	"time"
)

// TokenSweep is the subset of the token service the sweeper drives
type TokenSweep interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// ResetSweep is the subset of the auth service the sweeper drives
type ResetSweep interface {
	SweepExpiredResets(ctx context.Context) (int64, error)
}

// Sweeper periodically removes expired refresh tokens and reset tokens
// from the database
type Sweeper struct {
	tokens   TokenSweep
	resets   ResetSweep
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
}

// NewSweeper creates a new sweeper
func NewSweeper(tokens TokenSweep, resets ResetSweep, logger *slog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		tokens:   tokens,
		resets:   resets,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic sweep. It blocks until Stop is called or the
// context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on startup
	s.runSweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.runSweep(ctx)
		case <-s.stopCh:
			s.logger.Info("sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("sweeper context cancelled")
			return
		}
	}
}

func (s *Sweeper) runSweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tokenCount, err := s.tokens.SweepExpired(sweepCtx)
	if err != nil {
		s.logger.Error("refresh token sweep failed", slog.Any("error", err))
	} else if tokenCount > 0 {
		s.logger.Info("refresh token sweep completed", slog.Int64("rows_deleted", tokenCount))
	}

	resetCount, err := s.resets.SweepExpiredResets(sweepCtx)
	if err != nil {
		s.logger.Error("reset token sweep failed", slog.Any("error", err))
	} else if resetCount > 0 {
		s.logger.Info("reset token sweep completed", slog.Int64("rows_deleted", resetCount))
	}
}

// Stop signals the sweeper to stop
func (s *Sweeper) Stop() {
	close(s.stopCh)
}
