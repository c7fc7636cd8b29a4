// Package identity manages the identities that own sessions and
// transactions.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/poolpilot/walletcore/internal/app/domain"
	identitydom "github.com/poolpilot/walletcore/internal/app/domain/identity"
	"github.com/poolpilot/walletcore/internal/app/storage"
	"github.com/poolpilot/walletcore/pkg/logger"
)

// Service manages identity records.
type Service struct {
	store storage.IdentityStore
	log   *logger.Logger
}

// New constructs an identity service.
func New(store storage.IdentityStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("identity")
	}
	return &Service{store: store, log: log}
}

// Register creates a new identity for the given owner label.
func (s *Service) Register(ctx context.Context, owner string, metadata map[string]string) (identitydom.Identity, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return identitydom.Identity{}, fmt.Errorf("owner is required: %w", domain.ErrValidation)
	}

	rec, err := s.store.CreateIdentity(ctx, identitydom.Identity{Owner: owner, Metadata: metadata})
	if err != nil {
		return identitydom.Identity{}, err
	}

	s.log.WithField("identity_id", rec.ID).Info("identity registered")
	return rec, nil
}

// Get retrieves an identity by id.
func (s *Service) Get(ctx context.Context, id string) (identitydom.Identity, error) {
	return s.store.GetIdentity(ctx, id)
}

// List returns all identities.
func (s *Service) List(ctx context.Context) ([]identitydom.Identity, error) {
	return s.store.ListIdentities(ctx)
}
