package txflow

import (
	"context"
	"sync"
	"time"

	"github.com/poolpilot/walletcore/internal/app/storage"
	"github.com/poolpilot/walletcore/internal/app/system"
	"github.com/poolpilot/walletcore/pkg/logger"
)

// Confirmer re-checks transactions left submitted after their explicit
// confirmation attempts ran out. One finality probe per transaction per
// tick; outcomes apply through the same guarded transitions as the
// foreground path.
type Confirmer struct {
	store    storage.TransactionStore
	service  *Service
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Confirmer)(nil)

// NewConfirmer builds the confirmation worker.
func NewConfirmer(store storage.TransactionStore, service *Service, log *logger.Logger) *Confirmer {
	if log == nil {
		log = logger.NewDefault("confirmer")
	}
	return &Confirmer{
		store:    store,
		service:  service,
		interval: 15 * time.Second,
		log:      log,
	}
}

func (c *Confirmer) Name() string { return "confirmer" }

func (c *Confirmer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.tick(runCtx)
			}
		}
	}()

	c.log.Info("confirmation worker started")
	return nil
}

func (c *Confirmer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (c *Confirmer) tick(ctx context.Context) {
	pending, err := c.store.ListSubmittedTransactions(ctx)
	if err != nil {
		c.log.WithError(err).Warn("list submitted transactions")
		return
	}

	for _, tx := range pending {
		if _, _, err := c.service.checkFinality(ctx, tx); err != nil {
			c.log.WithError(err).WithField("transaction_id", tx.ID).Debug("finality re-check")
		}
	}
}
