package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/redis/go-redis/v9"
)

var ErrNoState = errors.New("no state stored for device")

//go:generate moq -rm -out store_mock.go . Store

// Store is the realtime current state tree. It holds one overwritten state
// document per device and announces every write to watchers.
type Store interface {
	Read(ctx context.Context, deviceID string) (types.TelemetryState, error)
	Watch(ctx context.Context, deviceID string) (<-chan types.TelemetryState, error)
	Write(ctx context.Context, deviceID string, state types.TelemetryState) error
	Ping(ctx context.Context) error
}

func StateKey(deviceID string) string {
	return fmt.Sprintf("smartcane:%s:state", deviceID)
}

func ChangesChannel(deviceID string) string {
	return fmt.Sprintf("smartcane:%s:changes", deviceID)
}

type redisStore struct {
	rdb *redis.Client
}

func NewRedisStore(addr, password string) Store {
	return NewRedisStoreFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}))
}

func NewRedisStoreFromClient(rdb *redis.Client) Store {
	return &redisStore{rdb: rdb}
}

func (s *redisStore) Read(ctx context.Context, deviceID string) (types.TelemetryState, error) {
	b, err := s.rdb.Get(ctx, StateKey(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.TelemetryState{}, ErrNoState
	}
	if err != nil {
		return types.TelemetryState{}, fmt.Errorf("failed to read state: %w", err)
	}

	return decode(deviceID, b)
}

// Watch delivers every state written for the device until ctx is done. The
// returned channel is closed when the watch ends.
func (s *redisStore) Watch(ctx context.Context, deviceID string) (<-chan types.TelemetryState, error) {
	pubsub := s.rdb.Subscribe(ctx, ChangesChannel(deviceID))

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	logger := logging.GetLoggerFromContext(ctx)
	out := make(chan types.TelemetryState)

	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}

				state, err := decode(deviceID, []byte(msg.Payload))
				if err != nil {
					logger.Warn().Err(err).Msg("skipping undecodable state change")
					continue
				}

				select {
				case out <- state:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *redisStore) Write(ctx context.Context, deviceID string, state types.TelemetryState) error {
	state.DeviceID = deviceID

	b, err := json.Marshal(state)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, StateKey(deviceID), b, 0)
		pipe.Publish(ctx, ChangesChannel(deviceID), b)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	return nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func decode(deviceID string, b []byte) (types.TelemetryState, error) {
	var state types.TelemetryState
	if err := json.Unmarshal(b, &state); err != nil {
		return types.TelemetryState{}, fmt.Errorf("failed to decode state: %w", err)
	}

	if state.DeviceID == "" {
		state.DeviceID = deviceID
	}

	return state, nil
}
