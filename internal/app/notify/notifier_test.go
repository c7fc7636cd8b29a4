package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPNotifierPublish(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
		auth     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		mu.Lock()
		received = append(received, ev)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	notifier, err := NewHTTPNotifier(srv.Client(), srv.URL, "hook-key", nil)
	require.NoError(t, err)

	notifier.Publish(context.Background(), Event{
		Kind:          KindConfirmed,
		IdentityID:    "id-1",
		TransactionID: "tx-1",
		Status:        "confirmed",
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, KindConfirmed, received[0].Kind)
	assert.Equal(t, "tx-1", received[0].TransactionID)
	assert.False(t, received[0].OccurredAt.IsZero(), "publish must stamp the event")
	assert.Equal(t, "Bearer hook-key", auth)
}

func TestHTTPNotifierNeverBlocksOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	notifier, err := NewHTTPNotifier(srv.Client(), srv.URL, "", nil)
	require.NoError(t, err)

	// Rejected events are logged and dropped.
	notifier.Publish(context.Background(), Event{Kind: KindFailed, IdentityID: "id-1"})

	// A dead endpoint behaves the same.
	srv.Close()
	notifier.Publish(context.Background(), Event{Kind: KindFailed, IdentityID: "id-1"})
}

func TestNewHTTPNotifierRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPNotifier(nil, "", "", nil)
	assert.Error(t, err)
}
