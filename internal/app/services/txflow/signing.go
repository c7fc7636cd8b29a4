package txflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/poolpilot/walletcore/internal/app/domain"
	"github.com/poolpilot/walletcore/internal/app/domain/transaction"
	"github.com/poolpilot/walletcore/pkg/logger"
)

// SignRequest is the unsigned payload forwarded to the wallet.
type SignRequest struct {
	TransactionID string            `json:"transaction_id"`
	SessionID     string            `json:"session_id"`
	WalletAddress string            `json:"wallet_address"`
	Kind          string            `json:"kind"`
	Amount        float64           `json:"amount"`
	Legs          []transaction.Leg `json:"legs"`
	PoolID        string            `json:"pool_id,omitempty"`
}

// Signer is the external signing bridge. This is the trust boundary: a
// signature comes from the wallet or not at all — there is no local
// fallback.
type Signer interface {
	Sign(ctx context.Context, req SignRequest) (signature string, err error)
}

// RequestSignature forwards the unsigned payload through the owner's
// connected session and waits for the wallet, bounded by the signing
// timeout. The transaction must already be approved; the call itself does
// not change its status.
func (s *Service) RequestSignature(ctx context.Context, id string) (string, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return "", err
	}
	if tx.Status != transaction.StatusApproved {
		return "", fmt.Errorf("transaction %s is %s, signing requires approved: %w", tx.ID, tx.Status, domain.ErrInvalidStateTransition)
	}
	if s.signer == nil {
		return "", fmt.Errorf("no signing bridge configured: %w", ErrNoActiveSession)
	}

	sess, err := s.sessions.ActiveSession(ctx, tx.IdentityID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("identity %s: %w", tx.IdentityID, ErrNoActiveSession)
		}
		return "", err
	}

	signCtx, cancel := context.WithTimeout(ctx, s.signingTTL)
	defer cancel()

	signature, err := s.signer.Sign(signCtx, SignRequest{
		TransactionID: tx.ID,
		SessionID:     sess.ID,
		WalletAddress: tx.WalletAddress,
		Kind:          string(tx.Kind),
		Amount:        tx.Amount,
		Legs:          tx.Legs,
		PoolID:        tx.PoolID,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && signCtx.Err() != nil {
			return "", fmt.Errorf("transaction %s: %w", tx.ID, ErrSigningTimeout)
		}
		return "", err
	}
	if signature == "" {
		return "", fmt.Errorf("wallet returned empty signature: %w", ErrSigningRejected)
	}

	s.log.WithField("transaction_id", tx.ID).
		WithField("session_id", sess.ID).
		Info("signature obtained")
	return signature, nil
}

// HTTPSigner posts sign requests to the wallet transport.
type HTTPSigner struct {
	client   *http.Client
	endpoint string
	apiKey   string
	log      *logger.Logger
}

// NewHTTPSigner builds the production signing bridge.
func NewHTTPSigner(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPSigner, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("signer endpoint required")
	}
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	if log == nil {
		log = logger.NewDefault("signer")
	}
	return &HTTPSigner{client: client, endpoint: endpoint, apiKey: apiKey, log: log}, nil
}

func (h *HTTPSigner) Sign(ctx context.Context, req SignRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", h.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("wallet did not answer in time: %w", ErrSigningTimeout)
		}
		return "", &domain.ExternalError{Op: "sign", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &domain.ExternalError{Op: "sign", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusConflict:
		return "", fmt.Errorf("wallet declined: %w", ErrSigningRejected)
	case resp.StatusCode >= 300:
		return "", &domain.ExternalError{Op: "sign", Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}

	var payload struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return "", &domain.ExternalError{Op: "sign", Err: err}
	}
	return payload.Signature, nil
}
