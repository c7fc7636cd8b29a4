// Package httpapi exposes the walletcore operations over REST.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	app "github.com/poolpilot/walletcore/internal/app"
	"github.com/poolpilot/walletcore/internal/app/domain"
	"github.com/poolpilot/walletcore/internal/app/domain/transaction"
	"github.com/poolpilot/walletcore/internal/app/services/txflow"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// Config controls the API surface.
type Config struct {
	// AuthSecret enables JWT bearer authentication when non-empty. Without
	// it the caller identity comes from the X-Identity-ID header, which is
	// only acceptable for local development.
	AuthSecret string
}

// NewHandler returns a router exposing the core REST API.
func NewHandler(application *app.Application, cfg Config) http.Handler {
	h := &handler{app: application}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", application.Metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/identities", h.createIdentity).Methods(http.MethodPost)
	r.HandleFunc("/identities", h.listIdentities).Methods(http.MethodGet)
	r.HandleFunc("/identities/{id}", h.getIdentity).Methods(http.MethodGet)

	// The accept callback is invoked by the wallet transport, not by the
	// session owner, so it sits outside the identity-auth surface.
	r.HandleFunc("/sessions/{id}/accept", h.acceptSession).Methods(http.MethodPost)

	authed := r.NewRoute().Subrouter()
	authed.Use(identityMiddleware(cfg.AuthSecret))

	authed.HandleFunc("/sessions", h.createSession).Methods(http.MethodPost)
	authed.HandleFunc("/sessions/{id}", h.checkSession).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}", h.cancelSession).Methods(http.MethodDelete)
	authed.HandleFunc("/disconnect", h.disconnect).Methods(http.MethodPost)

	authed.HandleFunc("/transactions", h.prepare).Methods(http.MethodPost)
	authed.HandleFunc("/transactions", h.listTransactions).Methods(http.MethodGet)
	authed.HandleFunc("/transactions/{id}", h.getTransaction).Methods(http.MethodGet)
	authed.HandleFunc("/transactions/{id}/log", h.transactionLog).Methods(http.MethodGet)
	authed.HandleFunc("/transactions/{id}/simulate", h.simulate).Methods(http.MethodPost)
	authed.HandleFunc("/transactions/{id}/approve", h.approve).Methods(http.MethodPost)
	authed.HandleFunc("/transactions/{id}/reject", h.reject).Methods(http.MethodPost)
	authed.HandleFunc("/transactions/{id}/submit", h.submit).Methods(http.MethodPost)
	authed.HandleFunc("/transactions/{id}/execute", h.execute).Methods(http.MethodPost)
	authed.HandleFunc("/transactions/{id}/confirmation", h.awaitConfirmation).Methods(http.MethodPost)

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- identities --------------------------------------------------------------

func (h *handler) createIdentity(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Owner    string            `json:"owner"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.app.Identities.Register(r.Context(), payload.Owner, payload.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) listIdentities(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Identities.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getIdentity(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Identities.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- sessions ----------------------------------------------------------------

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	sess, descriptor, err := h.app.Connection.CreateSession(r.Context(), callerIdentity(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session":    sess,
		"descriptor": descriptor,
	})
}

func (h *handler) checkSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.app.Connection.CheckSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess.IdentityID != callerIdentity(r) {
		writeError(w, http.StatusForbidden, domain.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handler) cancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.app.Connection.CheckSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess.IdentityID != callerIdentity(r) {
		writeError(w, http.StatusForbidden, domain.ErrUnauthorized)
		return
	}

	sess, err = h.app.Connection.CancelSession(r.Context(), sess.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handler) acceptSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		WalletAddress string `json:"wallet_address"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := h.app.Connection.MarkAccepted(r.Context(), mux.Vars(r)["id"], payload.WalletAddress)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handler) disconnect(w http.ResponseWriter, r *http.Request) {
	count, err := h.app.Connection.Disconnect(r.Context(), callerIdentity(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"disconnected": count})
}

// --- transactions ------------------------------------------------------------

func (h *handler) prepare(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		WalletAddress string  `json:"wallet_address"`
		Kind          string  `json:"kind"`
		Amount        float64 `json:"amount"`
		SourceToken   string  `json:"source_token"`
		TargetToken   string  `json:"target_token"`
		PoolID        string  `json:"pool_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := h.app.Flow.Prepare(r.Context(), txflow.PrepareRequest{
		IdentityID:    callerIdentity(r),
		WalletAddress: payload.WalletAddress,
		Kind:          transaction.Kind(payload.Kind),
		Amount:        payload.Amount,
		SourceToken:   payload.SourceToken,
		TargetToken:   payload.TargetToken,
		PoolID:        payload.PoolID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Flow.List(r.Context(), callerIdentity(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.app.Flow.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if tx.IdentityID != callerIdentity(r) {
		writeError(w, http.StatusForbidden, domain.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *handler) transactionLog(w http.ResponseWriter, r *http.Request) {
	tx, err := h.app.Flow.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if tx.IdentityID != callerIdentity(r) {
		writeError(w, http.StatusForbidden, domain.ErrUnauthorized)
		return
	}

	entries, err := h.app.Flow.Log(r.Context(), tx.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) simulate(w http.ResponseWriter, r *http.Request) {
	tx, err := h.app.Flow.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if tx.IdentityID != callerIdentity(r) {
		writeError(w, http.StatusForbidden, domain.ErrUnauthorized)
		return
	}

	tx, err = h.app.Flow.Simulate(r.Context(), tx.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *handler) approve(w http.ResponseWriter, r *http.Request) {
	tx, err := h.app.Flow.Approve(r.Context(), mux.Vars(r)["id"], callerIdentity(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *handler) reject(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	tx, err := h.app.Flow.Reject(r.Context(), mux.Vars(r)["id"], callerIdentity(r), payload.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Signature string `json:"signature"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	receipt, err := h.app.Flow.Submit(r.Context(), mux.Vars(r)["id"], callerIdentity(r), payload.Signature)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *handler) execute(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.app.Flow.Execute(r.Context(), mux.Vars(r)["id"], callerIdentity(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *handler) awaitConfirmation(w http.ResponseWriter, r *http.Request) {
	tx, err := h.app.Flow.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if tx.IdentityID != callerIdentity(r) {
		writeError(w, http.StatusForbidden, domain.ErrUnauthorized)
		return
	}

	tx, err = h.app.Flow.AwaitConfirmation(r.Context(), tx.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// --- helpers -----------------------------------------------------------------

// writeDomainError maps the error taxonomy onto HTTP status codes. One
// explicit message per blocking state; ambiguous network trouble surfaces as
// still-pending 502s, never as fabricated success.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, domain.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrExpired):
		writeError(w, http.StatusGone, err)
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, txflow.ErrNoActiveSession),
		errors.Is(err, txflow.ErrSigningRejected):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, txflow.ErrSigningTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	case errors.Is(err, txflow.ErrPriceUnavailable):
		writeError(w, http.StatusBadGateway, err)
	default:
		var ext *domain.ExternalError
		if errors.As(err, &ext) {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
