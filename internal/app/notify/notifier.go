// Package notify publishes lifecycle transition events toward the
// notification channel. Rendering is the channel's concern; walletcore only
// reports what happened. Publish failures are logged and never block a
// transition.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/poolpilot/walletcore/pkg/logger"
)

// Event kinds emitted by the lifecycle engine.
const (
	KindPrepared      = "prepared"
	KindSimulated     = "simulated"
	KindNeedsApproval = "needs-approval"
	KindRejected      = "rejected"
	KindSubmitted     = "submitted"
	KindConfirmed     = "confirmed"
	KindFailed        = "failed"
	KindExpired       = "expired"
	KindSessionReady  = "session-ready"
	KindSessionEnded  = "session-ended"
)

// Event is one lifecycle transition report.
type Event struct {
	Kind          string    `json:"kind"`
	IdentityID    string    `json:"identity_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Status        string    `json:"status"`
	Detail        string    `json:"detail,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier delivers events to the notification channel.
type Notifier interface {
	Publish(ctx context.Context, event Event)
}

// Noop discards events. The default when no channel is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) {}

// HTTPNotifier POSTs events to a webhook endpoint.
type HTTPNotifier struct {
	client   *http.Client
	endpoint string
	apiKey   string
	log      *logger.Logger
}

// NewHTTPNotifier builds a webhook notifier.
func NewHTTPNotifier(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPNotifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("notify endpoint required")
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &HTTPNotifier{client: client, endpoint: endpoint, apiKey: apiKey, log: log}, nil
}

func (n *HTTPNotifier) Publish(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		n.log.WithError(err).Warn("encode notification")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.endpoint, bytes.NewReader(body))
	if err != nil {
		n.log.WithError(err).Warn("build notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.WithError(err).WithField("kind", event.Kind).Warn("publish notification")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.log.WithField("kind", event.Kind).
			WithField("status", resp.StatusCode).
			Warn("notification endpoint rejected event")
	}
}
