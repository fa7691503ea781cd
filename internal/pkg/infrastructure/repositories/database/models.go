package database

import (
	"encoding/json"
	"time"

	"github.com/diwise/iot-cane-sync/pkg/types"
	"gorm.io/datatypes"
)

type DeviceRecord struct {
	ID         uint    `gorm:"primarykey"`
	DeviceID   string  `gorm:"index"`
	ExternalID *string `gorm:"uniqueIndex"`

	Latitude         float64
	Longitude        float64
	ReadingTimestamp string    `gorm:"index"`
	ObservedAt       time.Time `gorm:"index"`

	Ultrasonic1 string
	Ultrasonic2 string

	Fall         string `gorm:"index"`
	Acceleration *float64
	Pitch        *float64
	Roll         *float64
	Vibration    string
	Connected    bool

	Battery  float64
	Steps    float64
	Distance float64

	CreatedAt time.Time
	ChangedAt *time.Time
}

type Notification struct {
	ID        uint      `gorm:"primarykey"`
	DeviceID  string    `gorm:"index:idx_notifications_device_type,priority:1"`
	Type      string    `gorm:"index:idx_notifications_device_type,priority:2"`
	Message   string
	Timestamp time.Time `gorm:"index"`
	Read      bool      `gorm:"index"`
	Data      datatypes.JSON
}

func newDeviceRecord(r types.DeviceRecord) DeviceRecord {
	m := DeviceRecord{
		ID:               r.ID,
		DeviceID:         r.DeviceID,
		Latitude:         r.Location.Latitude,
		Longitude:        r.Location.Longitude,
		ReadingTimestamp: r.Location.Timestamp.String(),
		Ultrasonic1:      r.Sensors.Ultrasonic1,
		Ultrasonic2:      r.Sensors.Ultrasonic2,
		Fall:             r.Status.Fall,
		Vibration:        r.Status.Vibration,
		Connected:        r.Status.Connected,
		Battery:          r.Battery,
		Steps:            r.Steps,
		Distance:         r.Distance,
		CreatedAt:        r.CreatedAt,
		ChangedAt:        r.UpdatedAt,
	}

	if r.ExternalID != "" {
		id := r.ExternalID
		m.ExternalID = &id
	}

	if o := r.Status.Orientation; o != nil {
		a, p, rl := o.Acceleration, o.Pitch, o.Roll
		m.Acceleration, m.Pitch, m.Roll = &a, &p, &rl
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	if ts, ok := r.Location.Timestamp.Time(); ok {
		m.ObservedAt = ts
	} else {
		m.ObservedAt = m.CreatedAt
	}

	return m
}

func (m DeviceRecord) toType() types.DeviceRecord {
	r := types.DeviceRecord{
		ID:       m.ID,
		DeviceID: m.DeviceID,
		Location: types.Location{
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			Timestamp: types.Timestamp(m.ReadingTimestamp),
		},
		Sensors: types.Sensors{
			Ultrasonic1: m.Ultrasonic1,
			Ultrasonic2: m.Ultrasonic2,
		},
		Status: types.RecordStatus{
			Fall:      m.Fall,
			Vibration: m.Vibration,
			Connected: m.Connected,
		},
		Battery:   m.Battery,
		Steps:     m.Steps,
		Distance:  m.Distance,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.ChangedAt,
	}

	if m.ExternalID != nil {
		r.ExternalID = *m.ExternalID
	}

	if m.Acceleration != nil || m.Pitch != nil || m.Roll != nil {
		r.Status.Orientation = &types.Orientation{
			Acceleration: deref(m.Acceleration),
			Pitch:        deref(m.Pitch),
			Roll:         deref(m.Roll),
		}
	}

	return r
}

// samePayload compares the telemetry carried by two records, ignoring
// identity and bookkeeping columns.
func (m DeviceRecord) samePayload(o DeviceRecord) bool {
	return m.DeviceID == o.DeviceID &&
		m.Latitude == o.Latitude &&
		m.Longitude == o.Longitude &&
		m.ReadingTimestamp == o.ReadingTimestamp &&
		m.Ultrasonic1 == o.Ultrasonic1 &&
		m.Ultrasonic2 == o.Ultrasonic2 &&
		m.Fall == o.Fall &&
		equalPtr(m.Acceleration, o.Acceleration) &&
		equalPtr(m.Pitch, o.Pitch) &&
		equalPtr(m.Roll, o.Roll) &&
		m.Vibration == o.Vibration &&
		m.Connected == o.Connected &&
		m.Battery == o.Battery &&
		m.Steps == o.Steps &&
		m.Distance == o.Distance
}

func newNotification(n types.Notification) Notification {
	return Notification{
		ID:        n.ID,
		DeviceID:  n.DeviceID,
		Type:      n.Type,
		Message:   n.Message,
		Timestamp: n.Timestamp.UTC(),
		Read:      n.Read,
		Data:      datatypes.JSON(n.Data),
	}
}

func (m Notification) toType() types.Notification {
	return types.Notification{
		ID:        m.ID,
		DeviceID:  m.DeviceID,
		Type:      m.Type,
		Message:   m.Message,
		Timestamp: m.Timestamp,
		Read:      m.Read,
		Data:      json.RawMessage(m.Data),
	}
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func equalPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
