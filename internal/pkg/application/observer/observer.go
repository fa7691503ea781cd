package observer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/telemetry"
	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval   = 5 * time.Minute
	DefaultConnectTimeout = 3 * time.Second
)

//go:generate moq -rm -out source_mock.go . Source

type Source interface {
	Read(ctx context.Context, deviceID string) (types.TelemetryState, error)
	Watch(ctx context.Context, deviceID string) (<-chan types.TelemetryState, error)
	Ping(ctx context.Context) error
}

type Origin string

const (
	OriginInitial Origin = "initial"
	OriginPush    Origin = "push"
	OriginPoll    Origin = "poll"
)

// Snapshot is one full copy of a device state as it was observed.
type Snapshot struct {
	State      types.TelemetryState
	Origin     Origin
	ReceivedAt time.Time
}

type Observer struct {
	source         Source
	pollInterval   time.Duration
	connectTimeout time.Duration
	now            func() time.Time
}

type Option func(*Observer)

func WithPollInterval(d time.Duration) Option {
	return func(o *Observer) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *Observer) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Observer) {
		o.now = now
	}
}

func New(source Source, opts ...Option) *Observer {
	o := &Observer{
		source:         source,
		pollInterval:   DefaultPollInterval,
		connectTimeout: DefaultConnectTimeout,
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

type Subscription struct {
	Session    *Session
	Dispatcher *Dispatcher

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) Connected() bool {
	return s.Session.Connected()
}

// Unsubscribe stops push delivery and polling and waits for any delivery in
// progress to finish. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Done is closed when the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe starts observing the state of a device. The current state is
// delivered right away, then every pushed change and every poll result.
// All deliveries for the subscription are made from a single goroutine.
func (o *Observer) Subscribe(ctx context.Context, deviceID string, listeners ...Listener) *Subscription {
	ctx, cancel := context.WithCancel(ctx)

	session := NewSession(deviceID)

	ctx, _ = logging.WithDevice(ctx, deviceID)
	logger := logging.GetLoggerFromContext(ctx).With().Str("session_id", session.ID).Logger()
	ctx = logging.NewContextWithLogger(ctx, logger)

	sub := &Subscription{
		Session:    session,
		Dispatcher: NewDispatcher(listeners...),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go o.run(ctx, sub, logger)

	return sub
}

func (o *Observer) run(ctx context.Context, sub *Subscription, logger zerolog.Logger) {
	defer close(sub.done)
	defer sub.Session.setConnected(false)

	logger.Debug().Msg("subscription started")

	changes := o.watch(ctx, sub.Session, logger)
	o.poll(ctx, sub, OriginInitial, logger)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("subscription stopped")
			return
		case state, ok := <-changes:
			if !ok {
				changes = nil
				if ctx.Err() == nil {
					logger.Warn().Msg("push delivery lost, polling only")
					sub.Session.setConnected(false)
				}
				continue
			}
			o.deliver(ctx, sub, state, OriginPush)
		case <-ticker.C:
			if changes == nil {
				changes = o.watch(ctx, sub.Session, logger)
			}
			o.poll(ctx, sub, OriginPoll, logger)
		}
	}
}

// watch returns a nil channel when push delivery could not be established,
// which leaves the subscription polling only.
func (o *Observer) watch(ctx context.Context, session *Session, logger zerolog.Logger) <-chan types.TelemetryState {
	pingCtx, cancel := context.WithTimeout(ctx, o.connectTimeout)
	err := o.source.Ping(pingCtx)
	cancel()

	if err != nil {
		logger.Warn().Err(err).Msg("telemetry store unavailable, polling only")
		session.setConnected(false)
		return nil
	}

	changes, err := o.source.Watch(ctx, session.DeviceID)
	if err != nil {
		logger.Warn().Err(err).Msg("could not watch device state, polling only")
		session.setConnected(false)
		return nil
	}

	session.setConnected(true)
	return changes
}

func (o *Observer) poll(ctx context.Context, sub *Subscription, origin Origin, logger zerolog.Logger) {
	readCtx, cancel := context.WithTimeout(ctx, o.connectTimeout)
	state, err := o.source.Read(readCtx, sub.Session.DeviceID)
	cancel()

	if errors.Is(err, telemetry.ErrNoState) {
		logger.Debug().Msg("no state available for device")
		return
	}
	if err != nil {
		logger.Warn().Err(err).Str("origin", string(origin)).Msg("failed to read device state")
		return
	}

	o.deliver(ctx, sub, state, origin)
}

func (o *Observer) deliver(ctx context.Context, sub *Subscription, state types.TelemetryState, origin Origin) {
	if ctx.Err() != nil {
		return
	}

	if state.DeviceID == "" {
		state.DeviceID = sub.Session.DeviceID
	}

	sub.Dispatcher.Handle(ctx, sub.Session, Snapshot{
		State:      state,
		Origin:     origin,
		ReceivedAt: o.now().UTC(),
	})
}
