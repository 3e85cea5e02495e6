package store

import (
	"errors"

	"equinox/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store is the operational journal: service events plus the last known
// receipt per (game, sequence). It is never consulted for idempotency; the
// chain is the source of truth for that.
type Store interface {
	AppendEvent(eventType domain.EventType, gameAccount string, payload map[string]interface{}) domain.Event
	ListEvents(limit int) []domain.Event

	SaveReceipt(receipt domain.TransactionReceipt)
	GetReceipt(gameAccount string, sequence uint64) (domain.TransactionReceipt, error)
}
