package notifications

import (
	"context"

	"github.com/diwise/iot-cane-sync/internal/pkg/application/observer"
	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
)

// Notifier raises fall notifications from observed snapshots. It runs for
// every snapshot, also the ones that were already stored.
type Notifier struct {
	svc Service
}

func NewNotifier(svc Service) *Notifier {
	return &Notifier{svc: svc}
}

func (n *Notifier) Handle(ctx context.Context, s *observer.Session, snapshot observer.Snapshot) {
	if !snapshot.State.FallDetected() {
		return
	}

	logger := logging.GetLoggerFromContext(ctx)

	notification, created, err := n.svc.RaiseFallDetected(ctx, s.DeviceID, snapshot.State.Location)
	if err != nil {
		logger.Error().Err(err).Msg("failed to raise fall notification")
		return
	}

	if !created {
		logger.Debug().Uint("notification_id", notification.ID).Msg("fall already notified within cooldown")
		return
	}

	logger.Info().Uint("notification_id", notification.ID).Msg("fall detected, notification created")
}
