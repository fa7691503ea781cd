package livestate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/diwise/iot-cane-sync/pkg/types"
)

// ErrNoReading means the source is reachable but has nothing to offer.
// It is never retried.
var ErrNoReading = errors.New("no reading available")

// Source is one strategy for obtaining the latest reading of a device.
type Source interface {
	Name() string
	Latest(ctx context.Context, deviceID string) (types.DeviceRecord, error)
}

type sourceFunc struct {
	name string
	fn   func(ctx context.Context, deviceID string) (types.DeviceRecord, error)
}

func (s sourceFunc) Name() string {
	return s.name
}

func (s sourceFunc) Latest(ctx context.Context, deviceID string) (types.DeviceRecord, error) {
	return s.fn(ctx, deviceID)
}

func NewSource(name string, fn func(ctx context.Context, deviceID string) (types.DeviceRecord, error)) Source {
	return sourceFunc{name: name, fn: fn}
}

// WithRetry makes up to attempts calls to src, waiting interval between them.
func WithRetry(src Source, attempts uint64, interval time.Duration) Source {
	if attempts < 1 {
		attempts = 1
	}

	return NewSource(src.Name(), func(ctx context.Context, deviceID string) (types.DeviceRecord, error) {
		var record types.DeviceRecord

		operation := func() error {
			r, err := src.Latest(ctx, deviceID)
			if errors.Is(err, ErrNoReading) {
				return backoff.Permanent(err)
			}
			if err != nil {
				return err
			}
			record = r
			return nil
		}

		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), attempts-1), ctx)

		if err := backoff.Retry(operation, b); err != nil {
			return types.DeviceRecord{}, err
		}

		return record, nil
	})
}

// FirstAvailable tries the sources in order and returns the first reading
// together with the name of the source that provided it.
func FirstAvailable(ctx context.Context, deviceID string, sources ...Source) (types.DeviceRecord, string, error) {
	if len(sources) == 0 {
		return types.DeviceRecord{}, "", ErrNoReading
	}

	var errs []error

	for _, src := range sources {
		record, err := src.Latest(ctx, deviceID)
		if err == nil {
			return record, src.Name(), nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
	}

	return types.DeviceRecord{}, "", errors.Join(errs...)
}
