package identity

import (
	"time"
)

const (
	// DefaultDeviceName labels devices that registered without a display name.
	DefaultDeviceName = "Tether Device"

	maxIdentifierLength = 190
	pairCodeLength      = 6
)

// Device models the persisted credential record for one physical client.
// The token is the device's bearer credential and the pair code is the
// low-entropy secret shared with the web viewer; both are replaced on every
// re-registration while the thread identifier is preserved.
type Device struct {
	DeviceID  string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	ThreadID  string    `gorm:"column:thread_id;size:190;not null;index;uniqueIndex:ux_devices_thread_pair,priority:1"`
	Token     string    `gorm:"column:token;size:128;not null;uniqueIndex"`
	PairCode  string    `gorm:"column:pair_code;size:16;not null;index;uniqueIndex:ux_devices_thread_pair,priority:2"`
	Name      string    `gorm:"column:name;size:190;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Device) TableName() string {
	return "devices"
}

// Registration carries the credentials issued by a register call.
type Registration struct {
	DeviceID string
	ThreadID string
	Token    string
	PairCode string
	Created  bool
}

// DeviceContext identifies the single thread in scope for an authenticated request.
type DeviceContext struct {
	DeviceID string
	ThreadID string
	Name     string
	PairCode string
}
