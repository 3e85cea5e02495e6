package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"equinox/internal/domain"
	storepkg "equinox/internal/store"
)

const schema = `
create table if not exists journal_events (
	id           uuid primary key,
	game_account text not null default '',
	event_type   text not null,
	payload      jsonb not null default '{}'::jsonb,
	created_at   timestamptz not null
);
create index if not exists journal_events_created_at_idx on journal_events (created_at desc);

create table if not exists ledger_receipts (
	game_account    text not null,
	move_sequence   bigint not null,
	signature       text not null default '',
	signatures      text[] not null default '{}',
	state           text not null,
	already_applied boolean not null default false,
	attempts        integer not null default 0,
	slot            bigint not null default 0,
	updated_at      timestamptz not null,
	primary key (game_account, move_sequence)
);`

type Store struct {
	db *sql.DB
}

func NewStore(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) AppendEvent(eventType domain.EventType, gameAccount string, payload map[string]interface{}) domain.Event {
	event := domain.Event{
		ID:          uuid.NewString(),
		GameAccount: gameAccount,
		Type:        eventType,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(payload)
	if err != nil || payload == nil {
		raw = []byte("{}")
	}
	_, _ = s.db.Exec(
		`insert into journal_events(id, game_account, event_type, payload, created_at)
		 values ($1, $2, $3, $4::jsonb, $5)`,
		event.ID, gameAccount, string(eventType), string(raw), event.CreatedAt,
	)
	return event
}

func (s *Store) ListEvents(limit int) []domain.Event {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`select id, game_account, event_type, payload, created_at
		 from journal_events order by created_at desc limit $1`,
		limit,
	)
	if err != nil {
		return []domain.Event{}
	}
	defer rows.Close()

	out := make([]domain.Event, 0, limit)
	for rows.Next() {
		var e domain.Event
		var eventType string
		var payloadRaw []byte
		if err := rows.Scan(&e.ID, &e.GameAccount, &eventType, &payloadRaw, &e.CreatedAt); err != nil {
			continue
		}
		e.Type = domain.EventType(eventType)
		_ = json.Unmarshal(payloadRaw, &e.Payload)
		if e.Payload == nil {
			e.Payload = map[string]interface{}{}
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) SaveReceipt(receipt domain.TransactionReceipt) {
	if receipt.UpdatedAt.IsZero() {
		receipt.UpdatedAt = time.Now().UTC()
	}
	sigs := receipt.Signatures
	if sigs == nil {
		sigs = []string{}
	}
	_, _ = s.db.Exec(
		`insert into ledger_receipts(
			game_account, move_sequence, signature, signatures, state, already_applied, attempts, slot, updated_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 on conflict (game_account, move_sequence) do update
		 set signature = excluded.signature,
		     signatures = excluded.signatures,
		     state = excluded.state,
		     already_applied = excluded.already_applied,
		     attempts = excluded.attempts,
		     slot = excluded.slot,
		     updated_at = excluded.updated_at`,
		receipt.GameAccount,
		int64(receipt.MoveSequence),
		receipt.Signature,
		pq.Array(sigs),
		string(receipt.State),
		receipt.AlreadyApplied,
		receipt.Attempts,
		int64(receipt.Slot),
		receipt.UpdatedAt,
	)
}

func (s *Store) GetReceipt(gameAccount string, sequence uint64) (domain.TransactionReceipt, error) {
	var r domain.TransactionReceipt
	var state string
	var seq, slot int64
	err := s.db.QueryRow(
		`select game_account, move_sequence, signature, signatures, state, already_applied, attempts, slot, updated_at
		 from ledger_receipts
		 where game_account = $1 and move_sequence = $2`,
		gameAccount, int64(sequence),
	).Scan(
		&r.GameAccount,
		&seq,
		&r.Signature,
		pq.Array(&r.Signatures),
		&state,
		&r.AlreadyApplied,
		&r.Attempts,
		&slot,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TransactionReceipt{}, storepkg.ErrNotFound
		}
		return domain.TransactionReceipt{}, err
	}
	r.MoveSequence = uint64(seq)
	r.Slot = uint64(slot)
	r.State = domain.ConfirmationState(state)
	return r, nil
}
