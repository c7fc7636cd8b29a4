// Package app wires the walletcore services together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/poolpilot/walletcore/internal/app/chain"
	"github.com/poolpilot/walletcore/internal/app/metrics"
	"github.com/poolpilot/walletcore/internal/app/notify"
	connectionsvc "github.com/poolpilot/walletcore/internal/app/services/connection"
	identitysvc "github.com/poolpilot/walletcore/internal/app/services/identity"
	"github.com/poolpilot/walletcore/internal/app/services/txflow"
	"github.com/poolpilot/walletcore/internal/app/storage"
	"github.com/poolpilot/walletcore/internal/app/storage/memory"
	"github.com/poolpilot/walletcore/internal/app/system"
	"github.com/poolpilot/walletcore/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation; the choice is made once here and never mixed.
type Stores struct {
	Identities   storage.IdentityStore
	Sessions     storage.SessionStore
	Transactions storage.TransactionStore
}

// Application ties the lifecycle engine together.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Identities *identitysvc.Service
	Connection *connectionsvc.Service
	Flow       *txflow.Service
	Metrics    *metrics.Collector
}

// New builds a fully initialised application with the provided stores and
// network layer. A nil network disables prepare/simulate/submit against a
// real chain; tests inject fakes through it.
func New(stores Stores, network txflow.Network, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Identities == nil {
		stores.Identities = mem
	}
	if stores.Sessions == nil {
		stores.Sessions = mem
	}
	if stores.Transactions == nil {
		stores.Transactions = mem
	}

	manager := system.NewManager()
	collector := metrics.NewCollector("walletcore")
	httpClient := &http.Client{Timeout: 10 * time.Second}

	var notifier notify.Notifier = notify.Noop{}
	if endpoint := strings.TrimSpace(os.Getenv("NOTIFY_URL")); endpoint != "" {
		httpNotifier, err := notify.NewHTTPNotifier(httpClient, endpoint, os.Getenv("NOTIFY_KEY"), log)
		if err != nil {
			log.WithError(err).Warn("configure notifier")
		} else {
			notifier = httpNotifier
		}
	} else {
		log.Warn("NOTIFY_URL not set; transition notifications disabled")
	}

	identityService := identitysvc.New(stores.Identities, log)
	connectionService := connectionsvc.New(stores.Identities, stores.Sessions, log).
		WithNotifier(notifier).
		WithMetrics(collector)
	if ttl := parseDuration(os.Getenv("SESSION_TTL")); ttl > 0 {
		connectionService.WithTTL(ttl)
	}

	flowService := txflow.New(stores.Identities, stores.Transactions, connectionService, network, log).
		WithNotifier(notifier).
		WithMetrics(collector)
	if ttl := parseDuration(os.Getenv("TX_TTL")); ttl > 0 {
		flowService.WithTTL(ttl)
	}
	if timeout := parseDuration(os.Getenv("SIGNING_TIMEOUT")); timeout > 0 {
		flowService.WithSigningTimeout(timeout)
	}

	if endpoint := strings.TrimSpace(os.Getenv("SIGNER_URL")); endpoint != "" {
		// The signing wallet answers on its own schedule; give the
		// transport more room than the default client.
		signer, err := txflow.NewHTTPSigner(&http.Client{Timeout: 2 * time.Minute}, endpoint, os.Getenv("SIGNER_KEY"), log)
		if err != nil {
			log.WithError(err).Warn("configure signing bridge")
		} else {
			flowService.WithSigner(signer)
		}
	} else {
		log.Warn("SIGNER_URL not set; signing bridge disabled")
	}

	workers := []system.Service{
		connectionsvc.NewSweeper(stores.Sessions, connectionService, log),
		txflow.NewConfirmer(stores.Transactions, flowService, log),
	}
	for _, svc := range workers {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:    manager,
		log:        log,
		Identities: identityService,
		Connection: connectionService,
		Flow:       flowService,
		Metrics:    collector,
	}, nil
}

// NewChainNetwork builds the production network layer from configuration.
func NewChainNetwork(rpcURL string, timeout time.Duration) (txflow.Network, error) {
	return chain.NewClient(chain.Config{RPCURL: rpcURL, Timeout: timeout})
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

func parseDuration(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}
