package identity

import "time"

// AccountCreated is published once for every durable account provisioned
// from a federated or pre-authenticated identity.
type AccountCreated struct {
	User       User      `json:"user"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewAccountCreated returns an event holding a private copy of u.
func NewAccountCreated(u *User) AccountCreated {
	return AccountCreated{
		User:       *u.Clone(),
		OccurredAt: time.Now().UTC(),
	}
}
