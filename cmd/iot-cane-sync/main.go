package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/application"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/events"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/observer"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/records"
	"github.com/diwise/iot-cane-sync/internal/pkg/application/webevents"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/router"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/telemetry"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/tracing"
	"github.com/diwise/iot-cane-sync/internal/pkg/presentation/api"
	"github.com/diwise/iot-cane-sync/internal/pkg/presentation/api/auth"
	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

const serviceName string = "iot-cane-sync"

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort

	configurationFile
	policiesFile
	deviceIDs
	requireKnownDevice

	redisAddr
	redisPassword

	mqttBroker
	mqttUser
	mqttPassword

	devmode
)

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		servicePort:   "8080",

		configurationFile:  "/opt/diwise/config/config.yaml",
		policiesFile:       "",
		deviceIDs:          types.DemoDeviceID,
		requireKnownDevice: "false",

		redisAddr:     "localhost:6379",
		redisPassword: "",

		mqttBroker:   "",
		mqttUser:     "",
		mqttPassword: "",

		devmode: "false",
	}
}

func main() {
	serviceVersion := version()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, logger := logging.NewLogger(ctx, serviceName, serviceVersion)
	logger.Info().Msg("starting up ...")

	flags := parseExternalConfig(logger, defaultFlags())

	cleanup, err := tracing.Init(ctx, logger, serviceName, serviceVersion)
	exitIf(err, logger, "failed to init tracing")
	defer cleanup()

	cfg, err := loadConfiguration(logger, flags)
	exitIf(err, logger, "could not load configuration")

	db, err := newDatabase(ctx, logger, flags)
	exitIf(err, logger, "could not create or connect to database")

	store := telemetry.NewRedisStore(flags[redisAddr], flags[redisPassword])

	if flags[mqttBroker] != "" {
		bridge := telemetry.NewBridge(telemetry.BridgeConfig{
			Broker:   flags[mqttBroker],
			ClientID: fmt.Sprintf("%s-%s", serviceName, uuid.NewString()[:8]),
			Username: flags[mqttUser],
			Password: flags[mqttPassword],
		}, store, logger)

		err = bridge.Start()
		exitIf(err, logger, "failed to connect to mqtt broker")
		defer bridge.Stop()
	}

	opts := []application.Option{}

	var messenger messaging.MsgContext
	if flags[devmode] != "true" {
		messenger, err = messaging.Initialize(messaging.LoadConfiguration(serviceName, logger))
		exitIf(err, logger, "failed to init messenger")
		defer messenger.Close()

		opts = append(opts, application.WithPublisher(messenger))
	}

	sender, err := events.New(&cfg.Config)
	exitIf(err, logger, "failed to create cloudevents sender")

	we := webevents.New()

	opts = append(opts, application.WithEventSender(sender), application.WithWebEvents(we))

	app := application.New(*cfg, store,
		database.NewRecordRepository(db),
		database.NewNotificationRepository(db),
		opts...,
	)

	if messenger != nil {
		messenger.RegisterTopicMessageHandler(records.BackfillTopic, records.BackfillHandler(app.Engine()))
	}

	err = app.Start(ctx)
	exitIf(err, logger, "failed to start observing devices")
	defer app.Stop()

	policies, err := openPolicies(flags)
	exitIf(err, logger, "unable to open opa policy file")

	verifier, err := auth.NewDeviceVerifier(ctx, policies, append(cfg.Devices, types.DemoDeviceID))
	policies.Close()
	exitIf(err, logger, "failed to create device verifier")

	r := newRouter(ctx, app, store, verifier, we, flags[requireKnownDevice] == "true")

	srv := &http.Server{
		Addr:    flags[listenAddress] + ":" + flags[servicePort],
		Handler: r,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	exitIf(err, logger, "failed to listen for connections")

	logger.Info().Str("addr", srv.Addr).Msg("starting to listen for connections")

	err = serve(ctx, srv, ln, logger)
	exitIf(err, logger, "failed to start request router")
}

// serve runs srv until ctx is done and then shuts it down. Long lived
// requests such as event streams see their context cancelled, so the
// router has no clients left when serve returns.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, logger zerolog.Logger) error {
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	srv.BaseContext = func(net.Listener) context.Context {
		return baseCtx
	}
	srv.RegisterOnShutdown(cancelRequests)

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(ln)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down request router")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func newRouter(ctx context.Context, app application.App, store observer.Source, verifier auth.DeviceVerifier, we webevents.WebEvents, requireDevice bool) *chi.Mux {
	middlewares := []func(http.Handler) http.Handler{}
	if requireDevice {
		middlewares = append(middlewares, verifier.RequireKnownDevice())
	}

	return api.RegisterHandlers(ctx, router.New(serviceName), app, store, verifier, we, middlewares...)
}

// loadConfiguration reads the optional configuration file and adds the
// device ids given in flags or environment.
func loadConfiguration(logger zerolog.Logger, flags flagMap) (*application.Config, error) {
	cfg := &application.Config{}

	f, err := os.Open(flags[configurationFile])
	if err == nil {
		defer f.Close()

		cfg, err = application.LoadConfiguration(f)
		if err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		logger.Info().Str("file", flags[configurationFile]).Msg("no configuration file found, using defaults")
	} else {
		return nil, err
	}

	cfg.Devices = lo.Uniq(append(cfg.Devices, splitDeviceIDs(flags[deviceIDs])...))

	return cfg, nil
}

func splitDeviceIDs(s string) []string {
	ids := lo.Map(strings.Split(s, ","), func(id string, _ int) string {
		return strings.TrimSpace(id)
	})
	return lo.Filter(ids, func(id string, _ int) bool {
		return id != ""
	})
}

func newDatabase(ctx context.Context, logger zerolog.Logger, flags flagMap) (*gorm.DB, error) {
	dbCfg := database.LoadConfigFromEnv(logger)

	var connect database.ConnectorFunc
	if flags[devmode] == "true" || dbCfg.Host == "" {
		logger.Info().Msg("no database host configured, using in-memory database")
		connect = database.NewSQLiteConnector(logger)
	} else {
		connect = database.NewPostgreSQLConnector(logger, dbCfg)
	}

	db, err := database.Connect(connect)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return db, database.Ping(pingCtx, db)
}

func openPolicies(flags flagMap) (io.ReadCloser, error) {
	if flags[policiesFile] == "" {
		return io.NopCloser(strings.NewReader(auth.DefaultPolicy)), nil
	}
	return os.Open(flags[policiesFile])
}

func parseExternalConfig(logger zerolog.Logger, flags flagMap) flagMap {
	envOrDef := env.GetVariableOrDefault

	flags[listenAddress] = envOrDef(logger, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef(logger, "SERVICE_PORT", flags[servicePort])

	flags[configurationFile] = envOrDef(logger, "CONFIG_FILE", flags[configurationFile])
	flags[policiesFile] = envOrDef(logger, "POLICIES_FILE", flags[policiesFile])
	flags[deviceIDs] = envOrDef(logger, "DEVICE_IDS", flags[deviceIDs])
	flags[requireKnownDevice] = envOrDef(logger, "REQUIRE_KNOWN_DEVICE", flags[requireKnownDevice])

	flags[redisAddr] = envOrDef(logger, "REDIS_ADDR", flags[redisAddr])
	flags[redisPassword] = envOrDef(logger, "REDIS_PASSWORD", flags[redisPassword])

	flags[mqttBroker] = envOrDef(logger, "MQTT_BROKER", flags[mqttBroker])
	flags[mqttUser] = envOrDef(logger, "MQTT_USER", flags[mqttUser])
	flags[mqttPassword] = envOrDef(logger, "MQTT_PASSWORD", flags[mqttPassword])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	flag.Func("config", "configuration file with devices, cooldown and subscribers", apply(configurationFile))
	flag.Func("policies", "a device verification policy file", apply(policiesFile))
	flag.Func("devices", "comma separated list of device ids to observe", apply(deviceIDs))
	flag.Func("devmode", "use an in-memory database and no message broker", apply(devmode))
	flag.Parse()

	return flags
}

func version() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	buildSettings := buildInfo.Settings
	infoMap := map[string]string{}
	for _, s := range buildSettings {
		infoMap[s.Key] = s.Value
	}

	sha := infoMap["vcs.revision"]
	if infoMap["vcs.modified"] == "true" {
		sha += "+"
	}

	return sha
}

func exitIf(err error, logger zerolog.Logger, msg string) {
	if err != nil {
		logger.Error().Err(err).Msg(msg)
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}
}
