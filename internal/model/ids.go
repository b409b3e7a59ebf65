// Package model holds the data types shared across the relay engine:
// relayers, transactions, and the lifecycle status they move through.
package model

import (
	"github.com/google/uuid"
)

// RelayerId identifies a relayer account uniquely across chains.
type RelayerId uuid.UUID

// TransactionId identifies one relay request uniquely.
type TransactionId uuid.UUID

// NewRelayerId mints a fresh opaque relayer identity.
func NewRelayerId() RelayerId {
	return RelayerId(uuid.New())
}

// NewTransactionId mints a fresh opaque transaction identity.
func NewTransactionId() TransactionId {
	return TransactionId(uuid.New())
}

func (r RelayerId) String() string {
	return uuid.UUID(r).String()
}

func (t TransactionId) String() string {
	return uuid.UUID(t).String()
}

// ParseRelayerId parses a canonical UUID string into a RelayerId.
func ParseRelayerId(s string) (RelayerId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RelayerId{}, err
	}
	return RelayerId(u), nil
}

// ParseTransactionId parses a canonical UUID string into a TransactionId.
func ParseTransactionId(s string) (TransactionId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TransactionId{}, err
	}
	return TransactionId(u), nil
}
