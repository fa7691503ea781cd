package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const TelemetryTopic = "smartcane/+/telemetry"

type BridgeConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Bridge forwards telemetry published by devices over MQTT into the Store.
type Bridge struct {
	client mqtt.Client
	store  Store
	log    zerolog.Logger
}

func NewBridge(cfg BridgeConfig, store Store, log zerolog.Logger) *Bridge {
	b := &Bridge{
		store: store,
		log:   log.With().Str("broker", cfg.Broker).Logger(),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.log.Warn().Err(err).Msg("lost connection to mqtt broker")
		})

	b.client = mqtt.NewClient(opts)

	return b
}

func (b *Bridge) Start() error {
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timeout connecting to mqtt broker")
	}
	return token.Error()
}

func (b *Bridge) Stop() {
	b.client.Disconnect(250)
}

// onConnect (re)subscribes every time the client connects.
func (b *Bridge) onConnect(c mqtt.Client) {
	b.log.Info().Str("topic", TelemetryTopic).Msg("connected to mqtt broker")

	if token := c.Subscribe(TelemetryTopic, 1, b.Handle); token.Wait() && token.Error() != nil {
		b.log.Error().Err(token.Error()).Msg("failed to subscribe to telemetry topic")
	}
}

// Handle writes a telemetry message into the store. Messages that can not
// be decoded are logged and dropped.
func (b *Bridge) Handle(_ mqtt.Client, msg mqtt.Message) {
	deviceID, ok := deviceFromTopic(msg.Topic())
	if !ok {
		b.log.Warn().Str("topic", msg.Topic()).Msg("unexpected topic")
		return
	}

	logger := b.log.With().Str("device_id", deviceID).Logger()

	state, err := decode(deviceID, msg.Payload())
	if err != nil {
		logger.Warn().Err(err).Msg("dropping telemetry message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.store.Write(ctx, deviceID, state); err != nil {
		logger.Error().Err(err).Msg("failed to store telemetry")
	}
}

func deviceFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "smartcane" || parts[2] != "telemetry" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
