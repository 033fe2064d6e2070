package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coopwatch/go-mqtt-server/internal/model"
	"coopwatch/go-mqtt-server/internal/transport"
)

// reminderPublisher announces due feedings on coops/<coop>/feeding/reminder.
type reminderPublisher struct {
	outbox *transport.Outbox
	logger *slog.Logger
}

type reminderPayload struct {
	CoopID        string    `json:"coopId"`
	LastFedAt     time.Time `json:"lastFedAt"`
	NextFeedAt    time.Time `json:"nextFeedAt"`
	IntervalHours float64   `json:"intervalHours"`
	Message       string    `json:"message"`
}

func (p *reminderPublisher) FeedingReminder(ctx context.Context, rec model.FeedingRecord) {
	payload, err := json.Marshal(reminderPayload{
		CoopID:        rec.CoopID,
		LastFedAt:     rec.LastFedAt.UTC(),
		NextFeedAt:    rec.NextFeedAt.UTC(),
		IntervalHours: rec.IntervalHours,
		Message:       fmt.Sprintf("Time to feed coop %s.", rec.CoopID),
	})
	if err != nil {
		p.logger.Error("encode feeding reminder", "coop", rec.CoopID, "error", err)
		return
	}

	topic := fmt.Sprintf("coops/%s/feeding/reminder", rec.CoopID)
	switch err := p.outbox.Publish(ctx, topic, payload, 1, false); {
	case errors.Is(err, transport.ErrQueued):
		p.logger.Warn("feeding reminder held until reconnect", "coop", rec.CoopID)
	case err != nil:
		p.logger.Error("feeding reminder not delivered", "coop", rec.CoopID, "error", err)
	default:
		p.logger.Info("feeding reminder published", "coop", rec.CoopID, "topic", topic)
	}
}
