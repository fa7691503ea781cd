package records

import (
	"context"
	"time"

	"github.com/diwise/iot-cane-sync/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-cane-sync/pkg/types"
)

const (
	DefaultPage  = types.DefaultPage
	DefaultLimit = types.DefaultLimit
)

//go:generate moq -rm -out reader_mock.go . Reader

type Reader interface {
	Historical(ctx context.Context, page, limit int) (types.Collection[types.DeviceRecord], error)
	Range(ctx context.Context, from, to time.Time) ([]types.DeviceRecord, error)
	Falls(ctx context.Context, page, limit int) (types.Collection[types.DeviceRecord], error)
	Latest(ctx context.Context, deviceID string) (types.DeviceRecord, error)
}

type reader struct {
	repo database.RecordRepository
}

func NewReader(repo database.RecordRepository) Reader {
	return &reader{repo: repo}
}

func (r *reader) Historical(ctx context.Context, page, limit int) (types.Collection[types.DeviceRecord], error) {
	return r.paged(ctx, page, limit)
}

func (r *reader) Falls(ctx context.Context, page, limit int) (types.Collection[types.DeviceRecord], error) {
	return r.paged(ctx, page, limit, database.WithFall(types.FallDetected))
}

// Range returns readings observed within [from, to], oldest first.
func (r *reader) Range(ctx context.Context, from, to time.Time) ([]types.DeviceRecord, error) {
	records, _, err := r.repo.Query(ctx, database.WithBetween(from, to), database.WithSortDesc(false))
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []types.DeviceRecord{}
	}
	return records, nil
}

func (r *reader) Latest(ctx context.Context, deviceID string) (types.DeviceRecord, error) {
	return r.repo.Latest(ctx, deviceID)
}

func (r *reader) paged(ctx context.Context, page, limit int, conditions ...database.ConditionFunc) (types.Collection[types.DeviceRecord], error) {
	page, limit = types.NormalizePaging(page, limit)

	conditions = append(conditions,
		database.WithSortDesc(true),
		database.WithOffset((page-1)*limit),
		database.WithLimit(limit),
	)

	records, total, err := r.repo.Query(ctx, conditions...)
	if err != nil {
		return types.Collection[types.DeviceRecord]{}, err
	}
	if records == nil {
		records = []types.DeviceRecord{}
	}

	return types.Collection[types.DeviceRecord]{
		Data:       records,
		Pagination: types.NewPagination(total, page, limit),
	}, nil
}

