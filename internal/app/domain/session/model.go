// Package session defines the wallet-connection session model. A session is
// the time-boxed handshake between walletcore and an external signing wallet;
// it is the only thing that authorizes a signature request.
package session

import "time"

// Status is the lifecycle state of a wallet session.
type Status string

const (
	StatusPending      Status = "pending"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusExpired      Status = "expired"
	StatusCanceled     Status = "canceled"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// Terminal reports whether a session in this status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusExpired, StatusCanceled, StatusDisconnected, StatusFailed:
		return true
	}
	return false
}

// SecurityLevel classifies how the session was established.
type SecurityLevel string

const (
	SecurityStandard SecurityLevel = "standard"
	SecurityElevated SecurityLevel = "elevated"
)

// Session is a wallet-connection session. WalletAddress is empty until the
// external wallet accepts the pairing; it must be non-empty exactly when the
// status is connected.
type Session struct {
	ID            string
	IdentityID    string
	WalletAddress string
	Status        Status
	SecurityLevel SecurityLevel
	Permissions   []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

// ExpiredAt reports whether the session's validity window has elapsed at the
// given instant. Expiry is evaluated lazily on every read; no sweeper is
// required for correctness.
func (s Session) ExpiredAt(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Usable reports whether the session can serve a signature request now.
func (s Session) Usable(now time.Time) bool {
	return s.Status == StatusConnected && !s.ExpiredAt(now)
}

// ConnectDescriptor is handed to the external wallet to establish a session.
// URI is machine-readable; Code is a short pairing code for rendering.
type ConnectDescriptor struct {
	SessionID string
	URI       string
	Code      string
	ExpiresAt time.Time
}
