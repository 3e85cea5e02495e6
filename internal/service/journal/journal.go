package journal

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"equinox/internal/domain"
	storepkg "equinox/internal/store"
)

type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Journal appends events to the store and forwards them to the publisher in
// the background.
type Journal struct {
	store          storepkg.Store
	publisher      Publisher
	publishTimeout time.Duration
	log            zerolog.Logger
}

func New(store storepkg.Store, publisher Publisher, publishTimeout time.Duration, log zerolog.Logger) *Journal {
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	return &Journal{
		store:          store,
		publisher:      publisher,
		publishTimeout: publishTimeout,
		log:            log.With().Str("component", "journal").Logger(),
	}
}

func (j *Journal) Record(ctx context.Context, eventType domain.EventType, gameAccount string, payload map[string]interface{}) domain.Event {
	event := j.store.AppendEvent(eventType, gameAccount, payload)
	if j.publisher == nil {
		return event
	}
	go func(evt domain.Event) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.publishTimeout)
		defer cancel()
		if err := j.publisher.Publish(pctx, evt); err != nil {
			j.log.Warn().Err(err).Str("event_id", evt.ID).Str("event_type", string(evt.Type)).Msg("event publish failed")
		}
	}(event)
	return event
}
