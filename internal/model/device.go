package model

import "time"

// DeviceType classifies what a device is used for.
type DeviceType string

const (
	DeviceTypeTest    DeviceType = "test"
	DeviceTypeDevelop DeviceType = "develop"
	DeviceTypeCI      DeviceType = "ci"
)

// Valid reports whether t is a known device type.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceTypeTest, DeviceTypeDevelop, DeviceTypeCI:
		return true
	}
	return false
}

// Device represents a shared physical device that users reserve.
type Device struct {
	ID               int64      `gorm:"primaryKey" json:"id"`
	Name             string     `gorm:"size:100;not null" json:"name"`
	IP               string     `gorm:"column:ip;size:45;uniqueIndex;not null" json:"ip"`
	DeviceType       DeviceType `gorm:"size:16;not null;default:test" json:"device_type"`
	Owner            string     `gorm:"size:50;not null" json:"owner"`
	Creator          string     `gorm:"size:50;not null" json:"creator"`
	SupportQueue     bool       `gorm:"not null;default:true" json:"support_queue"`
	MaxOccupyMinutes *int       `json:"max_occupy_minutes,omitempty"`
	NeedVPNLogin     bool       `gorm:"column:need_vpn_login;not null;default:false" json:"need_vpn_login"`
	VPNConfigID      *int64     `gorm:"column:vpn_config_id" json:"vpn_config_id,omitempty"`
	AdminUsername    string     `gorm:"size:50" json:"admin_username,omitempty"`
	AdminPassword    string     `gorm:"size:255" json:"admin_password,omitempty"`
	Remarks          string     `gorm:"type:text" json:"remarks,omitempty"`
	CreatedAt        time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"not null" json:"updated_at"`

	// Last probe outcome, mirrored from the connectivity cache.
	ConnectivityStatus    bool       `gorm:"not null;default:false" json:"connectivity_status"`
	LastPingTime          *time.Time `json:"last_ping_time,omitempty"`
	LastConnectivityCheck *time.Time `json:"last_connectivity_check,omitempty"`

	// Associations
	Groups []Group `gorm:"many2many:device_groups;" json:"groups,omitempty"`
}

// WithoutCredentials returns a copy of d with credential fields cleared.
func (d Device) WithoutCredentials() Device {
	d.AdminUsername = ""
	d.AdminPassword = ""
	return d
}
