package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/domain"
)

type Drift string

const (
	DriftNone     Drift = "none"
	DriftCleared  Drift = "cleared"
	DriftAdopted  Drift = "adopted"
	DriftReplaced Drift = "replaced"
)

// SyncFromDurable aligns the in-memory session with durable storage, which
// another process sharing the backend may have changed. Durable state is
// read under s.mu so that opens and closes made here apply in call order.
func (s *Store) SyncFromDurable(ctx context.Context) Drift {
	s.mu.Lock()
	defer s.mu.Unlock()

	durable, ok := s.durableSession(ctx)
	drift := DriftNone
	switch {
	case !ok && s.session != nil:
		s.logger.Info("session closed elsewhere", zap.String("session", s.session.ID))
		s.session = nil
		s.ops = nil
		s.cart = nil
		drift = DriftCleared
	case ok && s.session == nil:
		s.logger.Info("session opened elsewhere", zap.String("session", durable.ID))
		s.session = &durable
		s.ops = cache.GetOr(ctx, s.cache, s.opsKey(), []domain.SessionOperation{}, cache.DefaultGet)
		drift = DriftAdopted
	case ok && s.session.ID != durable.ID:
		s.logger.Info("session replaced elsewhere", zap.String("from", s.session.ID), zap.String("to", durable.ID))
		s.session = &durable
		s.ops = cache.GetOr(ctx, s.cache, s.opsKey(), []domain.SessionOperation{}, cache.DefaultGet)
		drift = DriftReplaced
	}
	if drift != DriftNone {
		s.metrics.Drift(string(drift))
	}
	return drift
}

// Watch keeps the session aligned until ctx ends. Broadcast notices from
// other processes apply at once; the poll bounds the window when a notice
// is missed or no broadcaster is configured.
func (s *Store) Watch(ctx context.Context) error {
	var notices <-chan []byte
	if s.opts.Broadcaster != nil {
		ch, cancel, err := s.opts.Broadcaster.Subscribe(ctx)
		if err != nil {
			s.logger.Warn("session broadcast unavailable, polling only", zap.Error(err))
		} else {
			defer cancel()
			notices = ch
		}
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SyncFromDurable(ctx)
		case payload, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			var ev event
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			if ev.Origin == s.origin || ev.Terminal != s.opts.TerminalID {
				continue
			}
			s.SyncFromDurable(ctx)
		}
	}
}
