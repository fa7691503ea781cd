package records

import (
	"context"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/application/observer"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
)

//go:generate moq -rm -out publisher_mock.go . Publisher

type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

// Engine persists each distinct reading observed for a device once.
//
// Readings are deduplicated on the raw location timestamp against the
// readings recently accepted in the current session only. Restarts or several
// engines observing the same device may each store one duplicate.
type Engine struct {
	repo      database.RecordRepository
	publisher Publisher
	now       func() time.Time
}

type EngineOption func(*Engine)

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(repo database.RecordRepository, publisher Publisher, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:      repo,
		publisher: publisher,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Handle implements observer.Listener.
func (e *Engine) Handle(ctx context.Context, s *observer.Session, snapshot observer.Snapshot) {
	logger := logging.GetLoggerFromContext(ctx)

	timestamp := ""
	if snapshot.State.Location != nil {
		timestamp = snapshot.State.Location.Timestamp.String()
	}

	if timestamp != "" && s.Seen(timestamp) {
		logger.Debug().Str("timestamp", timestamp).Msg("reading already stored")
		return
	}

	record := FromState(s.DeviceID, snapshot.State, true, e.now())

	stored, err := e.repo.Add(ctx, record)
	if err != nil {
		logger.Error().Err(err).Str("timestamp", timestamp).Msg("failed to store reading, dropping snapshot")
		return
	}

	s.Accept(stored.Location.Timestamp.String())

	logger.Debug().Uint("record_id", stored.ID).Str("timestamp", stored.Location.Timestamp.String()).Msg("reading stored")

	e.publish(ctx, stored)
}

// Upsert stores a reading keyed by an id assigned by the source system. It
// does not take part in timestamp dedup.
func (e *Engine) Upsert(ctx context.Context, deviceID, externalID string, state types.TelemetryState) (types.DeviceRecord, database.UpsertResult, error) {
	record := FromState(deviceID, state, true, e.now())
	record.ExternalID = externalID

	stored, result, err := e.repo.UpsertByExternalID(ctx, record)
	if err != nil {
		return types.DeviceRecord{}, result, err
	}

	if result == database.Created {
		e.publish(ctx, stored)
	}

	return stored, result, nil
}

func (e *Engine) publish(ctx context.Context, record types.DeviceRecord) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.PublishOnTopic(ctx, &types.DeviceRecordCreated{
		DeviceID:  record.DeviceID,
		Record:    record,
		Timestamp: e.now().UTC(),
	})
	if err != nil {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Warn().Err(err).Msg("failed to publish devicerecord.created")
	}
}
