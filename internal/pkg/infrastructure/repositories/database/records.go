package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

//go:generate moq -rm -out recordrepository_mock.go . RecordRepository

type RecordRepository interface {
	Add(ctx context.Context, record types.DeviceRecord) (types.DeviceRecord, error)
	UpsertByExternalID(ctx context.Context, record types.DeviceRecord) (types.DeviceRecord, UpsertResult, error)
	Query(ctx context.Context, conditions ...ConditionFunc) ([]types.DeviceRecord, int64, error)
	Latest(ctx context.Context, deviceID string) (types.DeviceRecord, error)
}

type UpsertResult int

const (
	Unchanged UpsertResult = iota
	Created
	Updated
)

func (u UpsertResult) String() string {
	switch u {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

type recordRepository struct {
	db *gorm.DB
}

func NewRecordRepository(db *gorm.DB) RecordRepository {
	return &recordRepository{
		db: db,
	}
}

func (d *recordRepository) Add(ctx context.Context, record types.DeviceRecord) (types.DeviceRecord, error) {
	m := newDeviceRecord(record)
	m.ID = 0

	err := d.db.WithContext(ctx).Create(&m).Error
	if err != nil {
		return types.DeviceRecord{}, fmt.Errorf("could not add device record: %w", err)
	}

	return m.toType(), nil
}

func (d *recordRepository) UpsertByExternalID(ctx context.Context, record types.DeviceRecord) (types.DeviceRecord, UpsertResult, error) {
	if record.ExternalID == "" {
		return types.DeviceRecord{}, Unchanged, fmt.Errorf("external id is required")
	}

	logger := logging.GetLoggerFromContext(ctx)

	incoming := newDeviceRecord(record)
	incoming.ID = 0

	var stored DeviceRecord
	result := Unchanged

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where(map[string]any{"external_id": record.ExternalID}).First(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Debug().Str("external_id", record.ExternalID).Msg("adding new device record")
			stored = incoming
			result = Created
			return tx.Create(&stored).Error
		}
		if err != nil {
			return err
		}

		if stored.samePayload(incoming) {
			return nil
		}

		logger.Debug().Str("external_id", record.ExternalID).Msg("device record changed, updating")

		now := time.Now().UTC()
		incoming.ID = stored.ID
		incoming.CreatedAt = stored.CreatedAt
		incoming.ChangedAt = &now
		stored = incoming
		result = Updated

		return tx.Save(&stored).Error
	})
	if err != nil {
		return types.DeviceRecord{}, Unchanged, fmt.Errorf("could not upsert device record: %w", err)
	}

	return stored.toType(), result, nil
}

// Query returns the records matching the conditions ordered by reading time,
// together with the number of matching records before offset and limit.
func (d *recordRepository) Query(ctx context.Context, conditions ...ConditionFunc) ([]types.DeviceRecord, int64, error) {
	c := newCondition(conditions...)

	var total int64
	err := d.db.WithContext(ctx).Model(&DeviceRecord{}).Scopes(c.records).Count(&total).Error
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrRepositoryError, err.Error())
	}

	var rows []DeviceRecord
	err = d.db.WithContext(ctx).
		Scopes(c.records, c.page).
		Order(c.orderBy("observed_at")).
		Order(c.orderBy("id")).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrRepositoryError, err.Error())
	}

	return lo.Map(rows, func(m DeviceRecord, _ int) types.DeviceRecord {
		return m.toType()
	}), total, nil
}

func (d *recordRepository) Latest(ctx context.Context, deviceID string) (types.DeviceRecord, error) {
	c := newCondition(WithDeviceID(deviceID), WithSortDesc(true))

	var m DeviceRecord
	err := d.db.WithContext(ctx).
		Scopes(c.records).
		Order(c.orderBy("observed_at")).
		Order(c.orderBy("id")).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.DeviceRecord{}, ErrNotFound
	}
	if err != nil {
		return types.DeviceRecord{}, fmt.Errorf("%w: %s", ErrRepositoryError, err.Error())
	}

	return m.toType(), nil
}
