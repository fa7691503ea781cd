package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/application"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/webevents"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/telemetry"
	"github.com/diwise/iot-cane-sync/internal/pkg/presentation/api/auth"
	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func TestHealth(t *testing.T) {
	is, server := setupTest(t, false)

	resp, err := http.Get(server.URL + "/health")
	is.NoErr(err)
	resp.Body.Close()

	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestLatestWithoutAnyData(t *testing.T) {
	is, server := setupTest(t, false)

	resp, err := http.Get(server.URL + "/api/v0/device/latest")
	is.NoErr(err)
	resp.Body.Close()

	is.Equal(resp.StatusCode, http.StatusOK)
}

func TestRequireKnownDevice(t *testing.T) {
	is, server := setupTest(t, true)

	resp, err := http.Get(server.URL + "/api/v0/device/historical")
	is.NoErr(err)
	resp.Body.Close()

	is.Equal(resp.StatusCode, http.StatusUnauthorized)
}

func TestServeDisconnectsEventStreamsOnShutdown(t *testing.T) {
	is := is.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	is.NoErr(err)

	we := webevents.New()
	srv := &http.Server{Handler: we.Server()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, srv, ln, zerolog.Nop())
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/events")
	is.NoErr(err)
	defer resp.Body.Close()

	for i := 0; i < 100 && we.Server().ClientCount() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	is.Equal(we.Server().ClientCount(), 1)

	cancel()

	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return while an event stream was open")
	}

	is.Equal(we.Server().ClientCount(), 0)
	we.Shutdown()
}

func TestLoadConfiguration(t *testing.T) {
	is := is.New(t)

	file := filepath.Join(t.TempDir(), "config.yaml")
	is.NoErr(os.WriteFile(file, []byte(configYaml), 0644))

	flags := defaultFlags()
	flags[configurationFile] = file
	flags[deviceIDs] = " SC-0002, SC-0001 ,,"

	cfg, err := loadConfiguration(zerolog.Nop(), flags)
	is.NoErr(err)
	is.Equal(cfg.Devices, []string{"SC-0001", "SC-0002"})
	is.Equal(cfg.Cooldown, 10*time.Minute)
	is.Equal(len(cfg.Notifications), 1)
}

func TestLoadConfigurationWithoutFile(t *testing.T) {
	is := is.New(t)

	flags := defaultFlags()
	flags[configurationFile] = filepath.Join(t.TempDir(), "missing.yaml")

	cfg, err := loadConfiguration(zerolog.Nop(), flags)
	is.NoErr(err)
	is.Equal(cfg.Devices, []string{types.DemoDeviceID})
}

const configYaml string = `
devices:
  - SC-0001
cooldown: 10m
notifications:
  - id: falls
    name: Smart cane fall alerts
    type: diwise.smartcane.falldetected
    subscribers:
    - endpoint: http://api-notification:8990
`

func setupTest(t *testing.T, requireDevice bool) (*is.I, *httptest.Server) {
	is := is.New(t)
	ctx := context.Background()

	db, err := database.Connect(database.NewSQLiteConnector(zerolog.Nop()))
	is.NoErr(err)

	store := emptyStore{}

	app := application.New(application.Config{Devices: []string{types.DemoDeviceID}}, store,
		database.NewRecordRepository(db),
		database.NewNotificationRepository(db),
	)

	verifier, err := auth.NewDeviceVerifier(ctx, strings.NewReader(auth.DefaultPolicy), []string{types.DemoDeviceID})
	is.NoErr(err)

	server := httptest.NewServer(newRouter(ctx, app, store, verifier, nil, requireDevice))
	t.Cleanup(server.Close)

	return is, server
}

type emptyStore struct{}

func (emptyStore) Read(context.Context, string) (types.TelemetryState, error) {
	return types.TelemetryState{}, telemetry.ErrNoState
}

func (emptyStore) Watch(context.Context, string) (<-chan types.TelemetryState, error) {
	return nil, nil
}

func (emptyStore) Ping(context.Context) error {
	return nil
}
