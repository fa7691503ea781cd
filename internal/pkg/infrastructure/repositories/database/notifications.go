package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/diwise/iot-cane-sync/pkg/types"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

//go:generate moq -rm -out notificationrepository_mock.go . NotificationRepository

type NotificationRepository interface {
	Add(ctx context.Context, n types.Notification) (types.Notification, error)
	FindLatest(ctx context.Context, conditions ...ConditionFunc) (types.Notification, error)
	Query(ctx context.Context, conditions ...ConditionFunc) ([]types.Notification, int64, error)
	Count(ctx context.Context, conditions ...ConditionFunc) (int64, error)
	MarkRead(ctx context.Context, id uint) (types.Notification, error)
	MarkAllRead(ctx context.Context) (int64, error)
}

type notificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{
		db: db,
	}
}

func (d *notificationRepository) Add(ctx context.Context, n types.Notification) (types.Notification, error) {
	m := newNotification(n)
	m.ID = 0

	err := d.db.WithContext(ctx).Create(&m).Error
	if err != nil {
		return types.Notification{}, fmt.Errorf("could not add notification: %w", err)
	}

	return m.toType(), nil
}

// FindLatest returns the most recent notification matching the conditions.
func (d *notificationRepository) FindLatest(ctx context.Context, conditions ...ConditionFunc) (types.Notification, error) {
	c := newCondition(append(conditions, WithSortDesc(true))...)

	var m Notification
	err := d.db.WithContext(ctx).
		Scopes(c.notifications).
		Order(c.orderBy("timestamp")).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Notification{}, ErrNotFound
	}
	if err != nil {
		return types.Notification{}, fmt.Errorf("%w: %s", ErrRepositoryError, err.Error())
	}

	return m.toType(), nil
}

func (d *notificationRepository) Query(ctx context.Context, conditions ...ConditionFunc) ([]types.Notification, int64, error) {
	c := newCondition(conditions...)

	total, err := d.Count(ctx, conditions...)
	if err != nil {
		return nil, 0, err
	}

	var rows []Notification
	err = d.db.WithContext(ctx).
		Scopes(c.notifications, c.page).
		Order(c.orderBy("timestamp")).
		Order(c.orderBy("id")).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrRepositoryError, err.Error())
	}

	return lo.Map(rows, func(m Notification, _ int) types.Notification {
		return m.toType()
	}), total, nil
}

func (d *notificationRepository) Count(ctx context.Context, conditions ...ConditionFunc) (int64, error) {
	c := newCondition(conditions...)

	var total int64
	err := d.db.WithContext(ctx).Model(&Notification{}).Scopes(c.notifications).Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrRepositoryError, err.Error())
	}

	return total, nil
}

func (d *notificationRepository) MarkRead(ctx context.Context, id uint) (types.Notification, error) {
	var m Notification

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&m, id).Error; err != nil {
			return err
		}
		if m.Read {
			return nil
		}
		m.Read = true
		return tx.Model(&m).Update("read", true).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Notification{}, ErrNotFound
	}
	if err != nil {
		return types.Notification{}, fmt.Errorf("could not mark notification %d as read: %w", id, err)
	}

	return m.toType(), nil
}

// MarkAllRead flags every unread notification as read and returns how many
// were changed.
func (d *notificationRepository) MarkAllRead(ctx context.Context) (int64, error) {
	result := d.db.WithContext(ctx).
		Model(&Notification{}).
		Where(map[string]any{"read": false}).
		Update("read", true)
	if result.Error != nil {
		return 0, fmt.Errorf("could not mark notifications as read: %w", result.Error)
	}

	return result.RowsAffected, nil
}
