package events

import (
	"context"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-cane-sync/pkg/types"
)

const FallDetectedEventType = "diwise.smartcane.falldetected"

//go:generate moq -rm -out eventsender_mock.go . EventSender

type EventSender interface {
	SendFallDetected(ctx context.Context, n types.Notification) error
}

type eventSender struct {
	subscribers map[string][]SubscriberConfig
	client      cloudevents.Client
}

func New(cfg *Config) (EventSender, error) {
	e := &eventSender{
		subscribers: make(map[string][]SubscriberConfig),
	}

	if cfg != nil {
		for _, s := range cfg.Notifications {
			e.subscribers[s.Type] = append(e.subscribers[s.Type], s.Subscribers...)
		}
	}

	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, err
	}
	e.client = c

	return e, nil
}

func (e *eventSender) SendFallDetected(ctx context.Context, n types.Notification) error {
	subscribers, ok := e.subscribers[FallDetectedEventType]
	if !ok || len(subscribers) == 0 {
		return nil
	}

	event := cloudevents.NewEvent()
	event.SetID(fmt.Sprintf("%s:%d", n.DeviceID, n.ID))
	event.SetTime(n.Timestamp)
	event.SetSource("github.com/diwise/iot-cane-sync")
	event.SetType(FallDetectedEventType)

	eventData := struct {
		ID        uint   `json:"id"`
		DeviceID  string `json:"deviceId"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
		Data      any    `json:"data,omitempty"`
	}{
		ID:        n.ID,
		DeviceID:  n.DeviceID,
		Message:   n.Message,
		Timestamp: n.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if len(n.Data) > 0 {
		eventData.Data = n.Data
	}

	err := event.SetData(cloudevents.ApplicationJSON, eventData)
	if err != nil {
		return err
	}

	logger := logging.GetLoggerFromContext(ctx)

	for _, s := range subscribers {
		ctxWithTarget := cloudevents.ContextWithTarget(ctx, s.Endpoint)

		result := e.client.Send(ctxWithTarget, event)
		if !cloudevents.IsACK(result) {
			logger.Error().Err(result).Msgf("failed to send event to %s", s.Endpoint)
			err = fmt.Errorf("failed to send event to %s: %w", s.Endpoint, result)
		}
	}

	return err
}
