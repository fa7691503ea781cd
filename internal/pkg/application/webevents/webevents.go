package webevents

import (
	"context"
	"encoding/json"
	"io"
	"log"

	gosse "github.com/alexandrevicenzi/go-sse"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/livestate"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/notifications"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
)

const (
	EventDeviceData           = "deviceData"
	EventNotificationCreated  = "notificationCreated"
	EventNotificationsChanged = "notificationsChanged"
)

//go:generate moq -rm -out webevents_mock.go . WebEvents

type WebEvents interface {
	Server() *gosse.Server
	Shutdown()
	Publish(event string, data any) error

	PublishReading(ctx context.Context, reading livestate.Reading)
	PublishNotificationChange(ctx context.Context, change notifications.Change)
}

type webEvents struct {
	s *gosse.Server
}

func New() WebEvents {
	return &webEvents{
		s: gosse.NewServer(&gosse.Options{
			Logger: log.New(io.Discard, "", 0),
		}),
	}
}

func (we *webEvents) Server() *gosse.Server {
	return we.s
}

func (we *webEvents) Shutdown() {
	we.s.Shutdown()
}

// Publish broadcasts data as json to every connected client.
func (we *webEvents) Publish(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	message := gosse.NewMessage("", string(b), event)
	we.s.SendMessage("", message)

	return nil
}

func (we *webEvents) PublishReading(ctx context.Context, reading livestate.Reading) {
	if err := we.Publish(EventDeviceData, reading); err != nil {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Warn().Err(err).Msg("could not publish reading")
	}
}

func (we *webEvents) PublishNotificationChange(ctx context.Context, change notifications.Change) {
	logger := logging.GetLoggerFromContext(ctx)

	if change.Kind == notifications.Created && change.Notification != nil {
		if err := we.Publish(EventNotificationCreated, change.Notification); err != nil {
			logger.Warn().Err(err).Msg("could not publish created notification")
		}
	}

	err := we.Publish(EventNotificationsChanged, struct {
		Kind  notifications.ChangeKind `json:"kind"`
		Count int64                    `json:"count"`
	}{change.Kind, change.Unread})
	if err != nil {
		logger.Warn().Err(err).Msg("could not publish notification change")
	}
}
