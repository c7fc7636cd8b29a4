// Package connection implements the wallet-connection broker: it creates
// sessions, issues connect descriptors for the external wallet, observes
// acceptance, and expires or cancels sessions. It is the single source of
// truth for session state.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/poolpilot/walletcore/internal/app/domain"
	"github.com/poolpilot/walletcore/internal/app/domain/session"
	"github.com/poolpilot/walletcore/internal/app/metrics"
	"github.com/poolpilot/walletcore/internal/app/notify"
	"github.com/poolpilot/walletcore/internal/app/storage"
	"github.com/poolpilot/walletcore/pkg/logger"
)

// DefaultSessionTTL bounds how long a wallet has to accept a pairing.
const DefaultSessionTTL = 5 * time.Minute

// AcceptanceProbe asks the external wallet transport whether a pairing has
// been accepted. Optional; the MarkAccepted callback is the direct path.
type AcceptanceProbe interface {
	Accepted(ctx context.Context, sessionID string) (accepted bool, walletAddress string, err error)
}

// Service is the connection broker.
type Service struct {
	identities storage.IdentityStore
	store      storage.SessionStore
	probe      AcceptanceProbe
	notifier   notify.Notifier
	collector  *metrics.Collector
	ttl        time.Duration
	log        *logger.Logger
}

// New constructs a connection broker. A nil notifier disables notifications.
func New(identities storage.IdentityStore, store storage.SessionStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("connection")
	}
	return &Service{
		identities: identities,
		store:      store,
		notifier:   notify.Noop{},
		ttl:        DefaultSessionTTL,
		log:        log,
	}
}

// WithProbe attaches an acceptance probe consulted on every status check.
func (s *Service) WithProbe(probe AcceptanceProbe) *Service {
	s.probe = probe
	return s
}

// WithNotifier attaches the notification channel.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithMetrics attaches the metrics collector.
func (s *Service) WithMetrics(c *metrics.Collector) *Service {
	s.collector = c
	return s
}

// WithTTL overrides the session validity window.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// CreateSession allocates a pending session for the identity and returns the
// connect descriptor the external wallet needs to pair.
func (s *Service) CreateSession(ctx context.Context, identityID string) (session.Session, session.ConnectDescriptor, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return session.Session{}, session.ConnectDescriptor{}, fmt.Errorf("identity_id is required: %w", domain.ErrValidation)
	}
	if _, err := s.identities.GetIdentity(ctx, identityID); err != nil {
		return session.Session{}, session.ConnectDescriptor{}, err
	}

	now := time.Now().UTC()
	sess := session.Session{
		ID:            uuid.NewString(),
		IdentityID:    identityID,
		Status:        session.StatusPending,
		SecurityLevel: session.SecurityStandard,
		Permissions:   []string{"sign_transaction"},
		ExpiresAt:     now.Add(s.ttl),
	}

	sess, err := s.store.CreateSession(ctx, sess)
	if err != nil {
		return session.Session{}, session.ConnectDescriptor{}, err
	}

	descriptor := Descriptor(sess)
	s.log.WithField("session_id", sess.ID).
		WithField("identity_id", identityID).
		Info("wallet session created")
	return sess, descriptor, nil
}

// Descriptor derives the connect descriptor for a session.
func Descriptor(sess session.Session) session.ConnectDescriptor {
	code := strings.ToUpper(strings.ReplaceAll(sess.ID, "-", ""))
	if len(code) > 8 {
		code = code[:8]
	}
	return session.ConnectDescriptor{
		SessionID: sess.ID,
		URI:       fmt.Sprintf("walletconnect:%s@walletcore?expires=%d", sess.ID, sess.ExpiresAt.Unix()),
		Code:      code,
		ExpiresAt: sess.ExpiresAt,
	}
}

// CheckSession returns a current snapshot. Expiry is evaluated here, on the
// read path: an overdue session is persisted as expired before being
// returned. If the wallet has signaled acceptance the address is bound and
// the session becomes connected.
func (s *Service) CheckSession(ctx context.Context, id string) (session.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return session.Session{}, err
	}

	if sess.Status.Terminal() {
		return sess, nil
	}

	now := time.Now().UTC()
	if sess.ExpiredAt(now) {
		return s.expire(ctx, sess)
	}

	if s.probe != nil && (sess.Status == session.StatusPending || sess.Status == session.StatusConnecting) {
		accepted, address, err := s.probe.Accepted(ctx, sess.ID)
		if err != nil {
			// Transport trouble is not a session outcome; report the
			// stored state and let the next check retry.
			s.log.WithError(err).WithField("session_id", sess.ID).Warn("acceptance probe failed")
			return sess, nil
		}
		if accepted {
			connected, err := s.connect(ctx, sess, address)
			if errors.Is(err, domain.ErrInvalidStateTransition) {
				// A racing cancel or expiry won; report the stored state.
				return s.store.GetSession(ctx, sess.ID)
			}
			if err != nil {
				return session.Session{}, err
			}
			return connected, nil
		}
	}

	return sess, nil
}

// MarkAccepted is the callback invoked by the wallet transport when the
// external wallet approves the pairing. It binds the wallet address and
// moves the session to connected.
func (s *Service) MarkAccepted(ctx context.Context, id, walletAddress string) (session.Session, error) {
	walletAddress = strings.TrimSpace(walletAddress)
	if walletAddress == "" {
		return session.Session{}, fmt.Errorf("wallet_address is required: %w", domain.ErrValidation)
	}

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Status.Terminal() {
		return session.Session{}, fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, domain.ErrInvalidStateTransition)
	}
	if sess.ExpiredAt(time.Now().UTC()) {
		if _, err := s.expire(ctx, sess); err != nil {
			return session.Session{}, err
		}
		return session.Session{}, fmt.Errorf("session %s: %w", sess.ID, domain.ErrExpired)
	}

	return s.connect(ctx, sess, walletAddress)
}

func (s *Service) connect(ctx context.Context, sess session.Session, walletAddress string) (session.Session, error) {
	if walletAddress == "" {
		return session.Session{}, fmt.Errorf("acceptance without wallet address: %w", domain.ErrValidation)
	}

	// The write is conditioned on the status the caller observed: a cancel
	// or expiry committing in between makes this transition lose, never
	// resurrecting a terminal session.
	from := sess.Status
	sess.WalletAddress = walletAddress
	sess.Status = session.StatusConnected

	sess, err := s.store.TransitionSession(ctx, sess, from)
	if err != nil {
		return session.Session{}, err
	}

	s.log.WithField("session_id", sess.ID).
		WithField("identity_id", sess.IdentityID).
		Info("wallet session connected")
	s.notifier.Publish(ctx, notify.Event{
		Kind:       notify.KindSessionReady,
		IdentityID: sess.IdentityID,
		SessionID:  sess.ID,
		Status:     string(sess.Status),
	})
	return sess, nil
}

// CancelSession cancels a session. Idempotent: canceling a terminal session
// is a no-op.
func (s *Service) CancelSession(ctx context.Context, id string) (session.Session, error) {
	var sess session.Session
	for attempt := 0; ; attempt++ {
		current, err := s.store.GetSession(ctx, id)
		if err != nil {
			return session.Session{}, err
		}
		if current.Status.Terminal() {
			return current, nil
		}

		next := current
		next.Status = session.StatusCanceled
		next.WalletAddress = ""
		sess, err = s.store.TransitionSession(ctx, next, current.Status)
		if err == nil {
			break
		}
		// A racing writer moved the session; re-read and try again from
		// the new status.
		if errors.Is(err, domain.ErrInvalidStateTransition) && attempt < 2 {
			continue
		}
		return session.Session{}, err
	}

	s.recordOutcome(sess.Status)
	s.log.WithField("session_id", sess.ID).Info("wallet session canceled")
	s.notifier.Publish(ctx, notify.Event{
		Kind:       notify.KindSessionEnded,
		IdentityID: sess.IdentityID,
		SessionID:  sess.ID,
		Status:     string(sess.Status),
	})
	return sess, nil
}

// Disconnect ends every connected session the identity holds, clearing the
// bound address. Transactions already submitted through a session are not
// affected.
func (s *Service) Disconnect(ctx context.Context, identityID string) (int, error) {
	sessions, err := s.store.ListSessions(ctx, identityID)
	if err != nil {
		return 0, err
	}

	disconnected := 0
	for _, sess := range sessions {
		if sess.Status != session.StatusConnected {
			continue
		}
		sess.Status = session.StatusDisconnected
		sess.WalletAddress = ""
		if _, err := s.store.TransitionSession(ctx, sess, session.StatusConnected); err != nil {
			// A racing cancel or expiry already ended this session.
			if errors.Is(err, domain.ErrInvalidStateTransition) {
				continue
			}
			return disconnected, err
		}
		disconnected++
		s.recordOutcome(session.StatusDisconnected)
		s.notifier.Publish(ctx, notify.Event{
			Kind:       notify.KindSessionEnded,
			IdentityID: sess.IdentityID,
			SessionID:  sess.ID,
			Status:     string(session.StatusDisconnected),
		})
	}

	if disconnected > 0 {
		s.log.WithField("identity_id", identityID).
			WithField("sessions", disconnected).
			Info("wallet disconnected")
	}
	return disconnected, nil
}

// ActiveSession returns the identity's usable connected session, or
// domain.ErrNotFound when none exists. The signing bridge depends on this.
func (s *Service) ActiveSession(ctx context.Context, identityID string) (session.Session, error) {
	sessions, err := s.store.ListSessions(ctx, identityID)
	if err != nil {
		return session.Session{}, err
	}

	now := time.Now().UTC()
	for _, sess := range sessions {
		if !sess.Usable(now) {
			continue
		}
		return sess, nil
	}
	return session.Session{}, fmt.Errorf("no active session for identity %s: %w", identityID, domain.ErrNotFound)
}

func (s *Service) expire(ctx context.Context, sess session.Session) (session.Session, error) {
	from := sess.Status
	sess.Status = session.StatusExpired
	sess.WalletAddress = ""

	expired, err := s.store.TransitionSession(ctx, sess, from)
	if err != nil {
		// The sweeper and a lazy expiry on the read path can race; whoever
		// lost reports the stored state.
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			return s.store.GetSession(ctx, sess.ID)
		}
		return session.Session{}, err
	}
	sess = expired

	s.recordOutcome(sess.Status)
	s.log.WithField("session_id", sess.ID).Info("wallet session expired")
	return sess, nil
}

func (s *Service) recordOutcome(status session.Status) {
	if s.collector != nil {
		s.collector.SessionOutcome(string(status))
	}
}
