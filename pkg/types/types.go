package types

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const (
	FallDetected    = "detected"
	FallNotDetected = "not detected"

	NoData = "no data"

	NotificationTypeFallDetection = "fall_detection"

	DemoDeviceID = "SC-2334"
)

// Timestamp is the reading time reported by the device. The device sends
// either a string or epoch millis, the value is kept verbatim since it is
// also used as the dedup key for readings.
type Timestamp string

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)

	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Timestamp(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}

	*t = Timestamp(n.String())
	return nil
}

func (t Timestamp) String() string {
	return string(t)
}

// Time tries to interpret the timestamp as RFC3339 or as epoch millis.
func (t Timestamp) Time() (time.Time, bool) {
	s := strings.TrimSpace(string(t))
	if s == "" {
		return time.Time{}, false
	}

	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), true
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}

	return time.Time{}, false
}

type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp Timestamp `json:"timestamp"`
}

type Sensors struct {
	Ultrasonic1 string `json:"ultrasonic1"`
	Ultrasonic2 string `json:"ultrasonic2"`
}

type Orientation struct {
	Acceleration float64 `json:"acceleration"`
	Pitch        float64 `json:"pitch"`
	Roll         float64 `json:"roll"`
}

type TelemetryStatus struct {
	Fall        string       `json:"fall"`
	Orientation *Orientation `json:"orientation,omitempty"`
	Vibration   string       `json:"vibration,omitempty"`
}

// TelemetryState is the single, overwritten current state document of a
// device as it is kept in the telemetry store. Every field may be missing
// while the device is warming up.
type TelemetryState struct {
	DeviceID string           `json:"deviceId,omitempty"`
	Location *Location        `json:"location,omitempty"`
	Sensors  *Sensors         `json:"sensors,omitempty"`
	Status   *TelemetryStatus `json:"status,omitempty"`
	Battery  *float64         `json:"battery,omitempty"`
	Steps    *float64         `json:"steps,omitempty"`
	Distance *float64         `json:"distance,omitempty"`
}

func (s TelemetryState) FallDetected() bool {
	return s.Status != nil && s.Status.Fall == FallDetected
}

type RecordStatus struct {
	Fall        string       `json:"fall"`
	Orientation *Orientation `json:"orientation,omitempty"`
	Vibration   string       `json:"vibration,omitempty"`
	Connected   bool         `json:"connected"`
}

type DeviceRecord struct {
	ID         uint         `json:"id,omitempty"`
	DeviceID   string       `json:"deviceId"`
	ExternalID string       `json:"externalId,omitempty"`
	Location   Location     `json:"location"`
	Sensors    Sensors      `json:"sensors"`
	Status     RecordStatus `json:"status"`
	Battery    float64      `json:"battery"`
	Steps      float64      `json:"steps"`
	Distance   float64      `json:"distance"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  *time.Time   `json:"updatedAt,omitempty"`
}

type Notification struct {
	ID        uint            `json:"id"`
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Read      bool            `json:"read"`
	DeviceID  string          `json:"deviceId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
	MaxPage      = 100000
)

type Pagination struct {
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Pages int   `json:"pages"`
}

type Collection[T any] struct {
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// NormalizePaging replaces missing values with defaults and keeps page and
// limit within bounds, so that the resulting offset cannot overflow.
func NormalizePaging(page, limit int) (int, int) {
	if page < 1 {
		page = DefaultPage
	} else if page > MaxPage {
		page = MaxPage
	}

	if limit < 1 {
		limit = DefaultLimit
	} else if limit > MaxLimit {
		limit = MaxLimit
	}

	return page, limit
}

func NewPagination(total int64, page, limit int) Pagination {
	pages := 0
	if limit > 0 {
		pages = int((total + int64(limit) - 1) / int64(limit))
	}

	return Pagination{
		Total: total,
		Page:  page,
		Pages: pages,
	}
}
