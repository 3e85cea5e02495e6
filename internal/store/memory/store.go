package memory

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"equinox/internal/domain"
	storepkg "equinox/internal/store"
)

const defaultMaxEvents = 1000

type Store struct {
	mu sync.RWMutex

	maxEvents int
	events    []domain.Event
	receipts  map[string]domain.TransactionReceipt
}

// NewStore keeps at most maxEvents events, dropping the oldest first.
func NewStore(maxEvents int) *Store {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	return &Store{
		maxEvents: maxEvents,
		events:    make([]domain.Event, 0, 256),
		receipts:  make(map[string]domain.TransactionReceipt),
	}
}

func (s *Store) AppendEvent(eventType domain.EventType, gameAccount string, payload map[string]interface{}) domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	event := domain.Event{
		ID:          uuid.NewString(),
		GameAccount: gameAccount,
		Type:        eventType,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	s.events = append(s.events, event)
	if over := len(s.events) - s.maxEvents; over > 0 {
		s.events = slices.Delete(s.events, 0, over)
	}
	return event
}

func (s *Store) ListEvents(limit int) []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	if len(s.events) == 0 {
		return []domain.Event{}
	}
	start := max(len(s.events)-limit, 0)
	out := slices.Clone(s.events[start:])
	slices.Reverse(out)
	return out
}

func (s *Store) SaveReceipt(receipt domain.TransactionReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if receipt.UpdatedAt.IsZero() {
		receipt.UpdatedAt = time.Now().UTC()
	}
	receipt.Signatures = slices.Clone(receipt.Signatures)
	s.receipts[receiptKey(receipt.GameAccount, receipt.MoveSequence)] = receipt
}

func (s *Store) GetReceipt(gameAccount string, sequence uint64) (domain.TransactionReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[receiptKey(gameAccount, sequence)]
	if !ok {
		return domain.TransactionReceipt{}, storepkg.ErrNotFound
	}
	r.Signatures = slices.Clone(r.Signatures)
	return r, nil
}

func receiptKey(gameAccount string, sequence uint64) string {
	return fmt.Sprintf("%s/%d", gameAccount, sequence)
}
