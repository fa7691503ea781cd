package records

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/application/observer"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

func TestIdenticalSnapshotsAreStoredOnce(t *testing.T) {
	is, ctx, repo, pub := testSetup(t)

	e := NewEngine(repo, pub)
	s := observer.NewSession("SC-2334")

	for i := 0; i < 5; i++ {
		e.Handle(ctx, s, snapshot("T1", types.FallDetected))
	}

	_, total, err := repo.Query(ctx)
	is.NoErr(err)
	is.Equal(total, int64(1))
	is.Equal(pub.count(), 1)
}

func TestOutOfOrderDeliveryStoresOneRecordPerTimestamp(t *testing.T) {
	is, ctx, repo, _ := testSetup(t)

	e := NewEngine(repo, nil)
	s := observer.NewSession("SC-2334")

	e.Handle(ctx, s, snapshot("T1", types.FallNotDetected))
	e.Handle(ctx, s, snapshot("T2", types.FallNotDetected))
	e.Handle(ctx, s, snapshot("T1", types.FallNotDetected))

	_, total, _ := repo.Query(ctx)
	is.Equal(total, int64(2))
}

func TestFailedWriteDoesNotAdvanceDedup(t *testing.T) {
	is, ctx, repo, _ := testSetup(t)

	failing := &flakyRepository{RecordRepository: repo, fail: true}
	e := NewEngine(failing, nil)
	s := observer.NewSession("SC-2334")

	e.Handle(ctx, s, snapshot("T1", types.FallNotDetected))

	_, accepted := s.LastAccepted()
	is.True(!accepted)

	failing.fail = false
	e.Handle(ctx, s, snapshot("T1", types.FallNotDetected))

	last, _ := s.LastAccepted()
	is.Equal(last, "T1")

	_, total, _ := repo.Query(ctx)
	is.Equal(total, int64(1))
}

func TestMissingSensorsAreStoredAsNoData(t *testing.T) {
	is, ctx, repo, _ := testSetup(t)

	e := NewEngine(repo, nil)
	s := observer.NewSession("SC-2334")

	e.Handle(ctx, s, observer.Snapshot{State: types.TelemetryState{
		Location: &types.Location{Latitude: 7.1, Longitude: 80.1, Timestamp: "T1"},
	}})

	records, _, _ := repo.Query(ctx)
	is.Equal(len(records), 1)
	is.Equal(records[0].Sensors.Ultrasonic1, types.NoData)
	is.Equal(records[0].Sensors.Ultrasonic2, types.NoData)
	is.Equal(records[0].Status.Fall, types.FallNotDetected)
	is.Equal(records[0].Battery, float64(0))
}

func TestSnapshotsWithoutTimestampAreAlwaysStored(t *testing.T) {
	is, ctx, repo, _ := testSetup(t)

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e := NewEngine(repo, nil, WithEngineClock(func() time.Time { return now }))
	s := observer.NewSession("SC-2334")

	e.Handle(ctx, s, observer.Snapshot{State: types.TelemetryState{}})
	e.Handle(ctx, s, observer.Snapshot{State: types.TelemetryState{}})

	records, total, _ := repo.Query(ctx)
	is.Equal(total, int64(2))
	is.Equal(records[0].Location.Timestamp, types.Timestamp("2024-03-01T10:00:00Z"))
}

func TestUpsertPublishesOnlyOnCreate(t *testing.T) {
	is, ctx, repo, pub := testSetup(t)

	e := NewEngine(repo, pub)
	state := snapshot("T1", types.FallNotDetected).State

	_, result, err := e.Upsert(ctx, "SC-2334", "-NqX1", state)
	is.NoErr(err)
	is.Equal(result, database.Created)

	_, result, _ = e.Upsert(ctx, "SC-2334", "-NqX1", state)
	is.Equal(result, database.Unchanged)

	state.Status.Fall = types.FallDetected
	updated, result, _ := e.Upsert(ctx, "SC-2334", "-NqX1", state)
	is.Equal(result, database.Updated)
	is.Equal(updated.Status.Fall, types.FallDetected)

	is.Equal(pub.count(), 1)
}

func TestBackfillHandler(t *testing.T) {
	is, ctx, repo, _ := testSetup(t)

	handler := BackfillHandler(NewEngine(repo, nil))
	handler(ctx, amqp.Delivery{
		RoutingKey: BackfillTopic,
		Body:       []byte(`{"deviceId":"SC-2334","externalId":"-NqX1","state":{"location":{"latitude":7.1,"longitude":80.1,"timestamp":1709287200000}}}`),
	}, zerolog.Nop())
	handler(ctx, amqp.Delivery{RoutingKey: BackfillTopic, Body: []byte(`{"deviceId":"SC-2334"}`)}, zerolog.Nop())
	handler(ctx, amqp.Delivery{RoutingKey: BackfillTopic, Body: []byte(`not json`)}, zerolog.Nop())

	records, total, _ := repo.Query(ctx)
	is.Equal(total, int64(1))
	is.Equal(records[0].ExternalID, "-NqX1")
	is.Equal(records[0].Location.Timestamp, types.Timestamp("1709287200000"))
}

func snapshot(ts, fall string) observer.Snapshot {
	return observer.Snapshot{
		State: types.TelemetryState{
			Location: &types.Location{Latitude: 7.1, Longitude: 80.1, Timestamp: types.Timestamp(ts)},
			Status:   &types.TelemetryStatus{Fall: fall},
		},
		Origin: observer.OriginPush,
	}
}

func testSetup(t *testing.T) (*is.I, context.Context, database.RecordRepository, *publisher) {
	is := is.New(t)

	db, err := database.Connect(database.NewSQLiteConnector(zerolog.Nop()))
	is.NoErr(err)

	return is, context.Background(), database.NewRecordRepository(db), &publisher{}
}

type publisher struct {
	mu       sync.Mutex
	messages []messaging.TopicMessage
}

func (p *publisher) PublishOnTopic(_ context.Context, m messaging.TopicMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, m)
	return nil
}

func (p *publisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

type flakyRepository struct {
	database.RecordRepository
	fail bool
}

func (f *flakyRepository) Add(ctx context.Context, r types.DeviceRecord) (types.DeviceRecord, error) {
	if f.fail {
		return types.DeviceRecord{}, errors.New("store unavailable")
	}
	return f.RecordRepository.Add(ctx, r)
}
