package connection

import (
	"context"
	"sync"
	"time"

	"github.com/poolpilot/walletcore/internal/app/storage"
	"github.com/poolpilot/walletcore/internal/app/system"
	"github.com/poolpilot/walletcore/pkg/logger"
)

// Sweeper periodically expires overdue sessions so the store does not
// accumulate stale pending rows. Lazy expiry on the read path stays
// authoritative; correctness never depends on this worker running.
type Sweeper struct {
	store    storage.SessionStore
	service  *Service
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Sweeper)(nil)

// NewSweeper builds a session expiry sweeper.
func NewSweeper(store storage.SessionStore, service *Service, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("session-sweeper")
	}
	return &Sweeper{
		store:    store,
		service:  service,
		interval: 30 * time.Second,
		log:      log,
	}
}

func (s *Sweeper) Name() string { return "session-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	s.log.Info("session sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	overdue, err := s.store.ListOverdueSessions(ctx, time.Now().UTC())
	if err != nil {
		s.log.WithError(err).Warn("list overdue sessions")
		return
	}

	for _, sess := range overdue {
		if _, err := s.service.expire(ctx, sess); err != nil {
			s.log.WithError(err).WithField("session_id", sess.ID).Warn("expire session")
		}
	}
}
