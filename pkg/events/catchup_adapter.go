package events

import (
	"context"

	"github.com/troupelab/troupe/pkg/models"
)

// streamQuerier is the slice of the event service the catchup adapter reads
// from.
type streamQuerier interface {
	StreamEventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]*models.StreamEvent, error)
}

// EventServiceAdapter bridges the event service's stream buffer queries to
// the CatchupQuerier shape the ConnectionManager consumes.
type EventServiceAdapter struct {
	querier streamQuerier
}

// NewEventServiceAdapter wraps a stream buffer querier, normally
// services.EventService.
func NewEventServiceAdapter(q streamQuerier) *EventServiceAdapter {
	return &EventServiceAdapter{querier: q}
}

// GetCatchupEvents returns the buffered events on channel after sinceID, in
// id order, up to limit.
func (a *EventServiceAdapter) GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	rows, err := a.querier.StreamEventsSince(ctx, channel, sinceID, limit)
	if err != nil {
		return nil, err
	}

	result := make([]CatchupEvent, len(rows))
	for i, row := range rows {
		result[i] = CatchupEvent{
			ID:      row.ID,
			Payload: row.Payload,
		}
	}
	return result, nil
}
