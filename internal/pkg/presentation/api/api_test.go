package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/application"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/livestate"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/router"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/telemetry"
	"github.com/diwise/iot-cane-sync/internal/pkg/presentation/api/auth"
	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func TestHealth(t *testing.T) {
	is, _, server := setupTest(t)

	resp, _ := testRequest(is, server, http.MethodGet, "/health")
	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestHistoricalIsEmptyWithoutReadings(t *testing.T) {
	is, _, server := setupTest(t)

	resp, body := testRequest(is, server, http.MethodGet, "/api/v0/device/historical")
	is.Equal(resp.StatusCode, http.StatusOK)

	result := types.Collection[types.DeviceRecord]{}
	is.NoErr(json.Unmarshal([]byte(body), &result))
	is.Equal(len(result.Data), 0)
	is.Equal(result.Pagination.Total, int64(0))
	is.Equal(result.Pagination.Page, 1)
}

func TestHistoricalAndFalls(t *testing.T) {
	is, a, server := setupTest(t)
	ctx := context.Background()

	_, _, err := a.Engine().Upsert(ctx, types.DemoDeviceID, "-Nrec1", state("2024-03-01T10:00:00Z", types.FallNotDetected))
	is.NoErr(err)
	_, _, err = a.Engine().Upsert(ctx, types.DemoDeviceID, "-Nrec2", state("2024-03-01T11:00:00Z", types.FallDetected))
	is.NoErr(err)

	resp, body := testRequest(is, server, http.MethodGet, "/api/v0/device/historical?page=1&limit=1")
	is.Equal(resp.StatusCode, http.StatusOK)

	result := types.Collection[types.DeviceRecord]{}
	is.NoErr(json.Unmarshal([]byte(body), &result))
	is.Equal(len(result.Data), 1)
	is.Equal(result.Pagination.Total, int64(2))
	is.Equal(result.Pagination.Pages, 2)
	is.Equal(result.Data[0].Location.Timestamp.String(), "2024-03-01T11:00:00Z")

	resp, body = testRequest(is, server, http.MethodGet, "/api/v0/device/falls")
	is.Equal(resp.StatusCode, http.StatusOK)

	result = types.Collection[types.DeviceRecord]{}
	is.NoErr(json.Unmarshal([]byte(body), &result))
	is.Equal(len(result.Data), 1)
	is.Equal(result.Data[0].Status.Fall, types.FallDetected)
}

func TestPagingIsBounded(t *testing.T) {
	is, a, server := setupTest(t)

	_, _, err := a.Engine().Upsert(context.Background(), types.DemoDeviceID, "-Npage1", state("2024-03-01T10:00:00Z", types.FallDetected))
	is.NoErr(err)

	resp, body := testRequest(is, server, http.MethodGet, "/api/v0/device/historical?limit=9223372036854775807")
	is.Equal(resp.StatusCode, http.StatusOK)

	result := types.Collection[types.DeviceRecord]{}
	is.NoErr(json.Unmarshal([]byte(body), &result))
	is.Equal(len(result.Data), 1)
	is.Equal(result.Pagination.Pages, 1)

	for _, path := range []string{
		"/api/v0/device/historical?page=9223372036854775807&limit=100",
		"/api/v0/device/falls?page=100001",
		"/api/v0/device/notifications?page=99999999999999999999",
	} {
		resp, _ = testRequest(is, server, http.MethodGet, path)
		is.Equal(resp.StatusCode, http.StatusBadRequest)
	}
}

func TestRange(t *testing.T) {
	is, a, server := setupTest(t)
	ctx := context.Background()

	for i, ts := range []string{"2024-02-29T23:00:00Z", "2024-03-01T10:00:00Z", "2024-03-01T12:00:00Z", "2024-03-02T00:00:01Z"} {
		_, _, err := a.Engine().Upsert(ctx, types.DemoDeviceID, "-Nrange"+string(rune('a'+i)), state(ts, types.FallNotDetected))
		is.NoErr(err)
	}

	resp, body := testRequest(is, server, http.MethodGet, "/api/v0/device/range?startDate=2024-03-01&endDate=2024-03-01")
	is.Equal(resp.StatusCode, http.StatusOK)

	result := []types.DeviceRecord{}
	is.NoErr(json.Unmarshal([]byte(body), &result))
	is.Equal(len(result), 2)
	is.Equal(result[0].Location.Timestamp.String(), "2024-03-01T10:00:00Z")
	is.Equal(result[1].Location.Timestamp.String(), "2024-03-01T12:00:00Z")
}

func TestRangeRequiresBothDates(t *testing.T) {
	is, _, server := setupTest(t)

	for _, path := range []string{
		"/api/v0/device/range",
		"/api/v0/device/range?startDate=2024-03-01",
		"/api/v0/device/range?endDate=2024-03-01",
		"/api/v0/device/range?startDate=yesterday&endDate=2024-03-01",
	} {
		resp, body := testRequest(is, server, http.MethodGet, path)
		is.Equal(resp.StatusCode, http.StatusBadRequest)
		is.True(strings.Contains(body, `"error"`))
	}
}

func TestParseDate(t *testing.T) {
	is := is.New(t)

	from, err := ParseDate("2024-03-01", false)
	is.NoErr(err)
	is.Equal(from, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	to, err := ParseDate("2024-03-01", true)
	is.NoErr(err)
	is.Equal(to, time.Date(2024, 3, 1, 23, 59, 59, 999999999, time.UTC))

	exact, err := ParseDate("2024-03-01T10:00:00+01:00", true)
	is.NoErr(err)
	is.Equal(exact, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))

	_, err = ParseDate("01/03/2024", false)
	is.Equal(err, ErrBadDate)
}

func TestLatestFallsBackToDefaultReading(t *testing.T) {
	is, _, server := setupTest(t)

	resp, body := testRequest(is, server, http.MethodGet, "/api/v0/device/latest")
	is.Equal(resp.StatusCode, http.StatusOK)

	reading := livestate.Reading{}
	is.NoErr(json.Unmarshal([]byte(body), &reading))
	is.True(reading.Offline)
	is.Equal(reading.Source, livestate.SourceDefault)
	is.Equal(reading.Data.DeviceID, types.DemoDeviceID)
	is.Equal(reading.Data.Sensors.Ultrasonic1, types.NoData)
	is.Equal(reading.Data.Status.Fall, types.FallNotDetected)
	is.True(!reading.Data.Status.Connected)
}

func TestData(t *testing.T) {
	is, _, server := setupTest(t)

	resp, _ := testRequest(is, server, http.MethodGet, "/api/v0/device/data?deviceId=SC-0001")
	is.Equal(resp.StatusCode, http.StatusNotFound)

	s := state("2024-03-01T10:00:00Z", types.FallDetected)
	server.store.set("SC-0001", s)

	resp, body := testRequest(is, server, http.MethodGet, "/api/v0/device/data?deviceId=SC-0001")
	is.Equal(resp.StatusCode, http.StatusOK)

	raw := types.TelemetryState{}
	is.NoErr(json.Unmarshal([]byte(body), &raw))
	is.True(raw.FallDetected())
	is.Equal(raw.Sensors, nil)
}

func TestNotifications(t *testing.T) {
	is, a, server := setupTest(t)

	n, created, err := a.Notifications().RaiseFallDetected(context.Background(), types.DemoDeviceID, &types.Location{Latitude: 7.1, Longitude: 80.1})
	is.NoErr(err)
	is.True(created)

	resp, body := testRequest(is, server, http.MethodGet, "/api/v0/device/notifications/unread")
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(body, `{"count":1}`)

	resp, body = testRequest(is, server, http.MethodGet, "/api/v0/device/notifications")
	is.Equal(resp.StatusCode, http.StatusOK)

	list := types.Collection[types.Notification]{}
	is.NoErr(json.Unmarshal([]byte(body), &list))
	is.Equal(len(list.Data), 1)
	is.Equal(list.Data[0].Message, "Fall detected! Emergency assistance may be needed.")

	resp, body = testRequest(is, server, http.MethodPut, "/api/v0/device/notifications/"+strconv.FormatUint(uint64(n.ID), 10))
	is.Equal(resp.StatusCode, http.StatusOK)

	updated := types.Notification{}
	is.NoErr(json.Unmarshal([]byte(body), &updated))
	is.True(updated.Read)

	resp, _ = testRequest(is, server, http.MethodPut, "/api/v0/device/notifications/4711")
	is.Equal(resp.StatusCode, http.StatusNotFound)

	resp, _ = testRequest(is, server, http.MethodPut, "/api/v0/device/notifications/abc")
	is.Equal(resp.StatusCode, http.StatusBadRequest)

	resp, body = testRequest(is, server, http.MethodPut, "/api/v0/device/notifications")
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(body, `{"message":"All notifications marked as read"}`)

	_, body = testRequest(is, server, http.MethodGet, "/api/v0/device/notifications/unread")
	is.Equal(body, `{"count":0}`)
}

func TestVerify(t *testing.T) {
	is, _, server := setupTest(t)

	_, body := testRequest(is, server, http.MethodGet, "/api/v0/device/verify?deviceId=SC-2334")
	is.Equal(body, `{"valid":true}`)

	_, body = testRequest(is, server, http.MethodGet, "/api/v0/device/verify?deviceId=SC-9999")
	is.Equal(body, `{"valid":false}`)

	resp, _ := testRequest(is, server, http.MethodGet, "/api/v0/device/verify")
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestRequireKnownDeviceGuardsApi(t *testing.T) {
	is := is.New(t)

	a, store := newApp(is)
	verifier := newVerifier(is)

	r := RegisterHandlers(context.Background(), router.New("test"), a, store, verifier, nil, verifier.RequireKnownDevice())
	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v0/device/historical")
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusUnauthorized)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v0/device/historical", nil)
	req.Header.Set(auth.DeviceIDHeader, types.DemoDeviceID)
	resp, err = http.DefaultClient.Do(req)
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)

	resp, err = http.Get(ts.URL + "/health")
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusNoContent)
}

type testServer struct {
	*httptest.Server
	store *fakeStore
}

func setupTest(t *testing.T) (*is.I, application.App, *testServer) {
	is := is.New(t)

	a, store := newApp(is)

	r := RegisterHandlers(context.Background(), router.New("test"), a, store, newVerifier(is), nil)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return is, a, &testServer{Server: ts, store: store}
}

func newApp(is *is.I) (application.App, *fakeStore) {
	db, err := database.Connect(database.NewSQLiteConnector(zerolog.Nop()))
	is.NoErr(err)

	store := &fakeStore{states: map[string]types.TelemetryState{}}

	a := application.New(application.Config{Devices: []string{types.DemoDeviceID}}, store,
		database.NewRecordRepository(db),
		database.NewNotificationRepository(db),
	)

	return a, store
}

func newVerifier(is *is.I) auth.DeviceVerifier {
	v, err := auth.NewDeviceVerifier(context.Background(), strings.NewReader(auth.DefaultPolicy), []string{types.DemoDeviceID})
	is.NoErr(err)
	return v
}

func testRequest(is *is.I, ts *testServer, method, path string) (*http.Response, string) {
	req, _ := http.NewRequest(method, ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	return resp, string(respBody)
}

func state(ts, fall string) types.TelemetryState {
	return types.TelemetryState{
		Location: &types.Location{Latitude: 7.1, Longitude: 80.1, Timestamp: types.Timestamp(ts)},
		Status:   &types.TelemetryStatus{Fall: fall},
	}
}

type fakeStore struct {
	mu     sync.Mutex
	states map[string]types.TelemetryState
}

func (f *fakeStore) set(deviceID string, s types.TelemetryState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[deviceID] = s
}

func (f *fakeStore) Read(_ context.Context, deviceID string) (types.TelemetryState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.states[deviceID]
	if !ok {
		return types.TelemetryState{}, telemetry.ErrNoState
	}
	return s, nil
}

func (f *fakeStore) Watch(context.Context, string) (<-chan types.TelemetryState, error) {
	return nil, nil
}

func (f *fakeStore) Ping(context.Context) error {
	return nil
}
