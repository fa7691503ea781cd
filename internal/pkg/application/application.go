package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/application/events"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/livestate"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/notifications"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/observer"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/records"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/webevents"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/repositories/database"
	"github.com/samber/lo"
)

//go:generate moq -rm -out application_mock.go . App

type App interface {
	Start(ctx context.Context) error
	Stop()

	Devices() []string
	Subscription(deviceID string) (*observer.Subscription, bool)

	Engine() *records.Engine
	Records() records.Reader
	Notifications() notifications.Service
	LiveState() *livestate.LiveState
}

type app struct {
	cfg Config

	store       observer.Source
	publisher   records.Publisher
	eventSender events.EventSender
	webEvents   webevents.WebEvents
	now         func() time.Time

	observer      *observer.Observer
	engine        *records.Engine
	reader        records.Reader
	notifications notifications.Service
	notifier      *notifications.Notifier
	live          *livestate.LiveState

	mu            sync.Mutex
	subscriptions map[string]*observer.Subscription
	cleanup       []func()
}

type Option func(*app)

func WithPublisher(p records.Publisher) Option {
	return func(a *app) {
		a.publisher = p
	}
}

func WithEventSender(e events.EventSender) Option {
	return func(a *app) {
		a.eventSender = e
	}
}

func WithWebEvents(we webevents.WebEvents) Option {
	return func(a *app) {
		a.webEvents = we
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *app) {
		a.now = now
	}
}

func New(cfg Config, store observer.Source, recordRepo database.RecordRepository, notificationRepo database.NotificationRepository, opts ...Option) App {
	a := &app{
		cfg:           cfg,
		store:         store,
		now:           time.Now,
		subscriptions: map[string]*observer.Subscription{},
	}

	for _, opt := range opts {
		opt(a)
	}

	connectTimeout := lo.Ternary(cfg.ConnectTimeout > 0, cfg.ConnectTimeout, observer.DefaultConnectTimeout)

	a.observer = observer.New(store,
		observer.WithPollInterval(cfg.PollInterval),
		observer.WithConnectTimeout(connectTimeout),
		observer.WithClock(a.now),
	)

	a.engine = records.NewEngine(recordRepo, a.publisher, records.WithEngineClock(a.now))
	a.reader = records.NewReader(recordRepo)

	nopts := []notifications.Option{
		notifications.WithCooldown(cfg.Cooldown),
		notifications.WithClock(a.now),
	}
	if a.publisher != nil {
		nopts = append(nopts, notifications.WithPublisher(a.publisher))
	}
	a.notifications = notifications.New(notificationRepo, nopts...)
	a.notifier = notifications.NewNotifier(a.notifications)

	a.live = livestate.New([]livestate.Source{
		livestate.WithRetry(livestate.RecordSource(a.reader), livestate.DefaultAttempts, livestate.DefaultInterval),
		livestate.TelemetrySource(store, connectTimeout, a.now),
	}, livestate.WithClock(a.now))

	return a
}

// Start subscribes to every configured device. Each subscription feeds the
// record engine, the fall notifier and the live state, in that order.
func (a *app) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	logger := logging.GetLoggerFromContext(ctx)

	if len(a.cfg.Devices) == 0 {
		return fmt.Errorf("no devices configured")
	}

	a.cleanup = append(a.cleanup, a.notifications.OnChange(a.notificationChanged))

	for _, deviceID := range lo.Uniq(a.cfg.Devices) {
		if _, ok := a.subscriptions[deviceID]; ok {
			continue
		}

		sub := a.observer.Subscribe(ctx, deviceID, a.engine, a.notifier, a.live)
		a.subscriptions[deviceID] = sub

		if a.webEvents != nil {
			a.cleanup = append(a.cleanup, a.live.SubscribeToDeviceData(ctx, deviceID, a.webEvents.PublishReading))
		}

		logger.Info().Str("device_id", deviceID).Str("session_id", sub.Session.ID).Msg("observing device")
	}

	return nil
}

func (a *app) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, sub := range a.subscriptions {
		sub.Unsubscribe()
		delete(a.subscriptions, id)
	}

	for _, fn := range a.cleanup {
		fn()
	}
	a.cleanup = nil

	if a.webEvents != nil {
		a.webEvents.Shutdown()
	}
}

func (a *app) notificationChanged(ctx context.Context, change notifications.Change) {
	if a.webEvents != nil {
		a.webEvents.PublishNotificationChange(ctx, change)
	}

	if a.eventSender != nil && change.Kind == notifications.Created && change.Notification != nil {
		if err := a.eventSender.SendFallDetected(ctx, *change.Notification); err != nil {
			logger := logging.GetLoggerFromContext(ctx)
			logger.Error().Err(err).Msg("could not send fall detected event")
		}
	}
}

func (a *app) Devices() []string {
	return lo.Uniq(a.cfg.Devices)
}

func (a *app) Subscription(deviceID string) (*observer.Subscription, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub, ok := a.subscriptions[deviceID]
	return sub, ok
}

func (a *app) Engine() *records.Engine {
	return a.engine
}

func (a *app) Records() records.Reader {
	return a.reader
}

func (a *app) Notifications() notifications.Service {
	return a.notifications
}

func (a *app) LiveState() *livestate.LiveState {
	return a.live
}
