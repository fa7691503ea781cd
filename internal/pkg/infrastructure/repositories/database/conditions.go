package database

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConditionFunc func(*Condition) *Condition

type Condition struct {
	DeviceID string
	Fall     string
	Type     string
	Read     *bool

	From  time.Time
	To    time.Time
	Since time.Time

	sortDesc bool

	offset *int
	limit  *int
}

func newCondition(conditions ...ConditionFunc) *Condition {
	c := &Condition{}
	for _, f := range conditions {
		f(c)
	}
	return c
}

// records filters on device_records columns.
func (c *Condition) records(tx *gorm.DB) *gorm.DB {
	if c.DeviceID != "" {
		tx = tx.Where(map[string]any{"device_id": c.DeviceID})
	}
	if c.Fall != "" {
		tx = tx.Where(map[string]any{"fall": c.Fall})
	}
	if !c.From.IsZero() {
		tx = tx.Where(clause.Gte{Column: clause.Column{Name: "observed_at"}, Value: c.From})
	}
	if !c.To.IsZero() {
		tx = tx.Where(clause.Lte{Column: clause.Column{Name: "observed_at"}, Value: c.To})
	}
	return tx
}

// notifications filters on notifications columns.
func (c *Condition) notifications(tx *gorm.DB) *gorm.DB {
	if c.DeviceID != "" {
		tx = tx.Where(map[string]any{"device_id": c.DeviceID})
	}
	if c.Type != "" {
		tx = tx.Where(map[string]any{"type": c.Type})
	}
	if c.Read != nil {
		tx = tx.Where(map[string]any{"read": *c.Read})
	}
	if !c.Since.IsZero() {
		tx = tx.Where(clause.Gte{Column: clause.Column{Name: "timestamp"}, Value: c.Since.UTC()})
	}
	return tx
}

func (c *Condition) orderBy(column string) clause.OrderByColumn {
	return clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: c.sortDesc}
}

func (c *Condition) page(tx *gorm.DB) *gorm.DB {
	if c.offset != nil {
		tx = tx.Offset(*c.offset)
	}
	if c.limit != nil {
		tx = tx.Limit(*c.limit)
	}
	return tx
}

func WithDeviceID(deviceID string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.DeviceID = deviceID
		return c
	}
}

func WithFall(fall string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Fall = fall
		return c
	}
}

func WithType(t string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Type = t
		return c
	}
}

func WithRead(read bool) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Read = &read
		return c
	}
}

// WithBetween limits records to readings observed within [from, to].
func WithBetween(from, to time.Time) ConditionFunc {
	return func(c *Condition) *Condition {
		c.From = from.UTC()
		c.To = to.UTC()
		return c
	}
}

func WithSince(ts time.Time) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Since = ts
		return c
	}
}

func WithSortDesc(desc bool) ConditionFunc {
	return func(c *Condition) *Condition {
		c.sortDesc = desc
		return c
	}
}

func WithOffset(offset int) ConditionFunc {
	return func(c *Condition) *Condition {
		c.offset = &offset
		return c
	}
}

func WithLimit(limit int) ConditionFunc {
	return func(c *Condition) *Condition {
		c.limit = &limit
		return c
	}
}
