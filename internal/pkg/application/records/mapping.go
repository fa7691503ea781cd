package records

import (
	"time"

	"github.com/diwise/iot-cane-sync/pkg/types"
)

// FromState maps a possibly partial telemetry state into a fully populated
// record. Missing values are replaced with sentinels: "no data" for sensors,
// "not detected" for fall status, zero for numbers and now for the reading
// timestamp.
func FromState(deviceID string, state types.TelemetryState, connected bool, now time.Time) types.DeviceRecord {
	r := types.DeviceRecord{
		DeviceID: deviceID,
		Location: types.Location{
			Timestamp: types.Timestamp(now.UTC().Format(time.RFC3339)),
		},
		Sensors: types.Sensors{
			Ultrasonic1: types.NoData,
			Ultrasonic2: types.NoData,
		},
		Status: types.RecordStatus{
			Fall:      types.FallNotDetected,
			Connected: connected,
		},
		CreatedAt: now.UTC(),
	}

	if state.DeviceID != "" && deviceID == "" {
		r.DeviceID = state.DeviceID
	}

	if l := state.Location; l != nil {
		r.Location.Latitude = l.Latitude
		r.Location.Longitude = l.Longitude
		if l.Timestamp != "" {
			r.Location.Timestamp = l.Timestamp
		}
	}

	if s := state.Sensors; s != nil {
		r.Sensors.Ultrasonic1 = orDefault(s.Ultrasonic1, types.NoData)
		r.Sensors.Ultrasonic2 = orDefault(s.Ultrasonic2, types.NoData)
	}

	if s := state.Status; s != nil {
		r.Status.Fall = orDefault(s.Fall, types.FallNotDetected)
		r.Status.Vibration = s.Vibration
		if s.Orientation != nil {
			o := *s.Orientation
			r.Status.Orientation = &o
		}
	}

	r.Battery = value(state.Battery)
	r.Steps = value(state.Steps)
	r.Distance = value(state.Distance)

	return r
}

// DefaultReading is shown when no source can provide a reading.
func DefaultReading(deviceID string, now time.Time) types.DeviceRecord {
	return FromState(deviceID, types.TelemetryState{}, false, now)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func value(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
