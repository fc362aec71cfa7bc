package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/internal/model"
)

const idleNote = "Session ended due to inactivity"

// ReapIdle ends every session idle for longer than the configured timeout
// and returns how many were ended. Reaped sessions are marked unsuccessful.
func (s *Service) ReapIdle(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.IdleTimeout)

	n := 0
	for _, candidate := range s.sessions.Idle(cutoff) {
		key := candidate.Key

		unlock := s.lock(key)
		cur, ok := s.sessions.Get(key)
		if !ok || cur.ID != candidate.ID || !cur.LastActivity.Before(cutoff) {
			unlock()
			continue
		}
		res, ended, err := s.endLocked(key, model.EndData{
			Summary:        idleNote,
			HandoffSuccess: false,
			EndedBy:        "system",
		}, model.EndCauseIdleTimeout, idleNote)
		unlock()
		if err != nil {
			continue
		}

		s.afterEnd(ctx, key, res, ended)
		n++
	}

	if n > 0 {
		s.log.Info("idle sessions reaped", zap.Int("count", n), zap.Duration("idle_timeout", s.cfg.IdleTimeout))
	}
	return n
}

// RunReaper calls ReapIdle every ReaperInterval until ctx is done.
func (s *Service) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()

	s.log.Info("session reaper started",
		zap.Duration("interval", s.cfg.ReaperInterval),
		zap.Duration("idle_timeout", s.cfg.IdleTimeout))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReapIdle(ctx)
		}
	}
}
