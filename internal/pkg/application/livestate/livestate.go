package livestate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/application/observer"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/records"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/telemetry"
	"github.com/diwise/iot-cane-sync/pkg/types"
)

const (
	SourceRecords   = "records"
	SourceTelemetry = "telemetry"
	SourceDefault   = "default"

	DefaultAttempts = 3
	DefaultInterval = 500 * time.Millisecond
)

type Reading struct {
	Data    types.DeviceRecord `json:"data"`
	Source  string             `json:"source"`
	Offline bool               `json:"offline"`
}

type ReadingFunc func(ctx context.Context, reading Reading)

// LiveState gives consumers a best effort current reading per device. It is
// attached to the observer dispatchers and re-emits every delivery to the
// registered callbacks.
type LiveState struct {
	sources []Source
	now     func() time.Time

	mu        sync.RWMutex
	callbacks map[string]map[int]*subscriber
	nextID    int
}

// subscriber serializes the readings handed to one callback.
type subscriber struct {
	mu     sync.Mutex
	fn     ReadingFunc
	closed bool
}

func (s *subscriber) emit(ctx context.Context, r Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.fn(ctx, r)
	}
}

type Option func(*LiveState)

func WithClock(now func() time.Time) Option {
	return func(l *LiveState) {
		l.now = now
	}
}

// New creates a LiveState that tries sources in order before falling back
// to the default reading.
func New(sources []Source, opts ...Option) *LiveState {
	l := &LiveState{
		sources:   sources,
		now:       time.Now,
		callbacks: map[string]map[int]*subscriber{},
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// GetLatestReading never fails. When no source answers, the default reading
// is returned and flagged as offline.
func (l *LiveState) GetLatestReading(ctx context.Context, deviceID string) Reading {
	record, source, err := FirstAvailable(ctx, deviceID, l.sources...)
	if err == nil {
		return Reading{Data: record, Source: source}
	}

	logger := logging.GetLoggerFromContext(ctx)
	logger.Debug().Err(err).Str("device_id", deviceID).Msg("no source available, using default reading")

	return Reading{
		Data:    records.DefaultReading(deviceID, l.now()),
		Source:  SourceDefault,
		Offline: true,
	}
}

// SubscribeToDeviceData emits the best current reading right away and then
// every observed state of the device, until the returned func is called.
// Observed states arriving while the current reading is fetched are emitted
// after it.
func (l *LiveState) SubscribeToDeviceData(ctx context.Context, deviceID string, fn ReadingFunc) func() {
	sub := &subscriber{fn: fn}
	sub.mu.Lock()

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	if _, ok := l.callbacks[deviceID]; !ok {
		l.callbacks[deviceID] = map[int]*subscriber{}
	}
	l.callbacks[deviceID][id] = sub
	l.mu.Unlock()

	fn(ctx, l.GetLatestReading(ctx, deviceID))
	sub.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.callbacks[deviceID], id)
			l.mu.Unlock()

			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
		})
	}
}

// Handle implements observer.Listener.
func (l *LiveState) Handle(ctx context.Context, s *observer.Session, snapshot observer.Snapshot) {
	l.mu.RLock()
	subscribers := make([]*subscriber, 0, len(l.callbacks[s.DeviceID]))
	for _, sub := range l.callbacks[s.DeviceID] {
		subscribers = append(subscribers, sub)
	}
	l.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}

	reading := Reading{
		Data:   records.FromState(s.DeviceID, snapshot.State, true, l.now()),
		Source: SourceTelemetry,
	}

	for _, sub := range subscribers {
		sub.emit(ctx, reading)
	}
}

// RecordSource reads the latest stored reading.
func RecordSource(reader records.Reader) Source {
	return NewSource(SourceRecords, func(ctx context.Context, deviceID string) (types.DeviceRecord, error) {
		r, err := reader.Latest(ctx, deviceID)
		if errors.Is(err, database.ErrNotFound) {
			return types.DeviceRecord{}, ErrNoReading
		}
		return r, err
	})
}

// TelemetrySource reads the current state directly from the telemetry store.
func TelemetrySource(store observer.Source, timeout time.Duration, now func() time.Time) Source {
	return NewSource(SourceTelemetry, func(ctx context.Context, deviceID string) (types.DeviceRecord, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		state, err := store.Read(ctx, deviceID)
		if errors.Is(err, telemetry.ErrNoState) {
			return types.DeviceRecord{}, ErrNoReading
		}
		if err != nil {
			return types.DeviceRecord{}, err
		}

		return records.FromState(deviceID, state, true, now()), nil
	})
}
