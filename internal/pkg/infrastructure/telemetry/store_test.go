package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/matryer/is"
	"github.com/redis/go-redis/v9"
)

func TestReadReturnsErrNoStateWhenEmpty(t *testing.T) {
	is, ctx, store, _ := testSetup(t)

	_, err := store.Read(ctx, "SC-2334")
	is.Equal(err, ErrNoState)
}

func TestWriteThenRead(t *testing.T) {
	is, ctx, store, _ := testSetup(t)

	battery := 87.0
	err := store.Write(ctx, "SC-2334", types.TelemetryState{
		Location: &types.Location{Latitude: 7.1, Longitude: 80.1, Timestamp: "T1"},
		Battery:  &battery,
	})
	is.NoErr(err)

	state, err := store.Read(ctx, "SC-2334")
	is.NoErr(err)
	is.Equal(state.DeviceID, "SC-2334")
	is.Equal(state.Location.Timestamp, types.Timestamp("T1"))
	is.Equal(*state.Battery, 87.0)
}

func TestReadAcceptsNumericTimestamps(t *testing.T) {
	is, ctx, store, mr := testSetup(t)

	mr.Set(StateKey("SC-2334"), `{"location":{"latitude":1,"longitude":2,"timestamp":1709287200000},"status":{"fall":"detected"}}`)

	state, err := store.Read(ctx, "SC-2334")
	is.NoErr(err)
	is.Equal(state.Location.Timestamp, types.Timestamp("1709287200000"))
	is.True(state.FallDetected())
}

func TestWatchDeliversWrites(t *testing.T) {
	is, ctx, store, _ := testSetup(t)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes, err := store.Watch(ctx, "SC-2334")
	is.NoErr(err)

	err = store.Write(ctx, "SC-2334", types.TelemetryState{
		Location: &types.Location{Timestamp: "T2"},
	})
	is.NoErr(err)

	select {
	case state := <-changes:
		is.Equal(state.Location.Timestamp, types.Timestamp("T2"))
	case <-time.After(2 * time.Second):
		t.Fatal("no state change delivered")
	}

	cancel()

	select {
	case _, ok := <-changes:
		is.True(!ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func testSetup(t *testing.T) (*is.I, context.Context, Store, *miniredis.Miniredis) {
	is := is.New(t)
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return is, context.Background(), NewRedisStoreFromClient(rdb), mr
}
