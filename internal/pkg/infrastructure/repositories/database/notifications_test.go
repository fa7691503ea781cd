package database

import (
	"testing"
	"time"

	"github.com/diwise/iot-cane-sync/pkg/types"
)

func TestFindLatestSince(t *testing.T) {
	is, ctx, _, r := testSetupRepositories(t)

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := r.Add(ctx, testNotification("SC-2334", t0))
	is.NoErr(err)

	n, err := r.FindLatest(ctx,
		WithDeviceID("SC-2334"),
		WithType(types.NotificationTypeFallDetection),
		WithSince(t0.Add(-1*time.Minute)))
	is.NoErr(err)
	is.Equal(n.DeviceID, "SC-2334")
	is.Equal(string(n.Data), `{"location":{"latitude":7.1,"longitude":80.1,"timestamp":"T1"}}`)

	_, err = r.FindLatest(ctx,
		WithDeviceID("SC-2334"),
		WithType(types.NotificationTypeFallDetection),
		WithSince(t0.Add(5*time.Minute)))
	is.Equal(err, ErrNotFound)

	_, err = r.FindLatest(ctx, WithDeviceID("other"))
	is.Equal(err, ErrNotFound)
}

func TestQueryNotificationsNewestFirst(t *testing.T) {
	is, ctx, _, r := testSetupRepositories(t)

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := r.Add(ctx, testNotification("SC-2334", t0.Add(time.Duration(i)*time.Hour)))
		is.NoErr(err)
	}

	list, total, err := r.Query(ctx, WithSortDesc(true), WithOffset(0), WithLimit(2))
	is.NoErr(err)
	is.Equal(total, int64(3))
	is.Equal(len(list), 2)
	is.True(list[0].Timestamp.After(list[1].Timestamp))
}

func TestMarkRead(t *testing.T) {
	is, ctx, _, r := testSetupRepositories(t)

	n, _ := r.Add(ctx, testNotification("SC-2334", time.Now().UTC()))
	is.True(!n.Read)

	n, err := r.MarkRead(ctx, n.ID)
	is.NoErr(err)
	is.True(n.Read)

	unread, _ := r.Count(ctx, WithRead(false))
	is.Equal(unread, int64(0))

	_, err = r.MarkRead(ctx, 4711)
	is.Equal(err, ErrNotFound)
}

func TestMarkAllRead(t *testing.T) {
	is, ctx, _, r := testSetupRepositories(t)

	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		_, _ = r.Add(ctx, testNotification("SC-2334", now.Add(time.Duration(-i)*time.Minute)))
	}

	unread, _ := r.Count(ctx, WithRead(false))
	is.Equal(unread, int64(4))

	changed, err := r.MarkAllRead(ctx)
	is.NoErr(err)
	is.Equal(changed, int64(4))

	unread, _ = r.Count(ctx, WithRead(false))
	is.Equal(unread, int64(0))

	list, _, _ := r.Query(ctx)
	for _, n := range list {
		is.True(n.Read)
	}
}

func testNotification(deviceID string, ts time.Time) types.Notification {
	return types.Notification{
		Type:      types.NotificationTypeFallDetection,
		Message:   "Fall detected! Emergency assistance may be needed.",
		Timestamp: ts,
		DeviceID:  deviceID,
		Data:      []byte(`{"location":{"latitude":7.1,"longitude":80.1,"timestamp":"T1"}}`),
	}
}
