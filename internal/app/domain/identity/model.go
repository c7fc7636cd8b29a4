package identity

import "time"

// Identity represents the owner of wallet sessions and transactions. All
// ownership checks in the transaction flow resolve against this record.
type Identity struct {
	ID        string
	Owner     string
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}
