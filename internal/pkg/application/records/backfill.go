package records

import (
	"context"
	"encoding/json"

	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const BackfillTopic = "smartcane.backfill"

func BackfillHandler(e *Engine) messaging.TopicMessageHandler {
	return func(ctx context.Context, msg amqp.Delivery, logger zerolog.Logger) {
		backfill := types.Backfill{}

		err := json.Unmarshal(msg.Body, &backfill)
		if err != nil {
			logger.Error().Err(err).Msgf("failed to unmarshal message from %s", msg.RoutingKey)
			return
		}

		if backfill.DeviceID == "" || backfill.ExternalID == "" {
			logger.Error().Msg("backfill message without device or external id")
			return
		}

		logger = logger.With().Str("device_id", backfill.DeviceID).Str("external_id", backfill.ExternalID).Logger()

		_, result, err := e.Upsert(ctx, backfill.DeviceID, backfill.ExternalID, backfill.State)
		if err != nil {
			logger.Error().Err(err).Msg("could not upsert backfilled reading")
			return
		}

		logger.Debug().Msgf("%s handled, record %s", msg.RoutingKey, result)
	}
}
