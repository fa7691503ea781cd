package types

import (
	"encoding/json"
	"time"
)

type DeviceRecordCreated struct {
	DeviceID  string       `json:"deviceId"`
	Record    DeviceRecord `json:"record"`
	Timestamp time.Time    `json:"timestamp"`
}

func (d *DeviceRecordCreated) ContentType() string {
	return "application/json"
}
func (d *DeviceRecordCreated) TopicName() string {
	return "devicerecord.created"
}
func (d *DeviceRecordCreated) Body() []byte {
	b, _ := json.Marshal(d)
	return b
}

type NotificationCreated struct {
	Notification Notification `json:"notification"`
	Timestamp    time.Time    `json:"timestamp"`
}

func (n *NotificationCreated) ContentType() string {
	return "application/json"
}
func (n *NotificationCreated) TopicName() string {
	return "notification.created"
}
func (n *NotificationCreated) Body() []byte {
	b, _ := json.Marshal(n)
	return b
}

// NotificationsRead is published when one (ID set) or all notifications
// have been marked as read.
type NotificationsRead struct {
	ID        *uint     `json:"id,omitempty"`
	All       bool      `json:"all"`
	Timestamp time.Time `json:"timestamp"`
}

func (n *NotificationsRead) ContentType() string {
	return "application/json"
}
func (n *NotificationsRead) TopicName() string {
	return "notification.read"
}
func (n *NotificationsRead) Body() []byte {
	b, _ := json.Marshal(n)
	return b
}

// Backfill is consumed from the broker to upsert readings keyed by an id
// assigned by the source system.
type Backfill struct {
	DeviceID   string         `json:"deviceId"`
	ExternalID string         `json:"externalId"`
	State      TelemetryState `json:"state"`
}

func (b *Backfill) ContentType() string {
	return "application/json"
}
func (b *Backfill) TopicName() string {
	return "smartcane.backfill"
}
func (b *Backfill) Body() []byte {
	bytes, _ := json.Marshal(b)
	return bytes
}
