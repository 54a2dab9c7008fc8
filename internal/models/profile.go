package models

import (
	"time"

	"gorm.io/gorm"
)

// Profile is a named template for issuing VPN configs: naming scheme,
// quota, validity and the ordered set of candidate ports on its panel.
type Profile struct {
	ID      uint   `gorm:"column:id;primaryKey" json:"id"`
	Name    string `gorm:"column:name;uniqueIndex;size:100;not null" json:"name"`
	PanelID uint   `gorm:"column:panel_id;not null;index" json:"panel_id"`
	Panel   *Panel `gorm:"foreignKey:PanelID" json:"panel,omitempty"`

	// Naming: rendered client name is Prefix + Suffix + sequence number
	Prefix        string `gorm:"column:prefix;size:50;not null" json:"prefix"`
	Suffix        string `gorm:"column:suffix;size:50;default:''" json:"suffix"`
	StartSequence int64  `gorm:"column:start_sequence;default:1" json:"start_sequence"`

	// Provisioning parameters passed through to the panel
	QuotaGB      float64 `gorm:"column:quota_gb;not null" json:"quota_gb"`
	ValidityDays int     `gorm:"column:validity_days;not null" json:"validity_days"`
	Protocol     string  `gorm:"column:protocol;size:20;default:vless" json:"protocol"`

	Enabled bool `gorm:"column:enabled;default:true" json:"enabled"`

	Ports []ProfilePort `gorm:"foreignKey:ProfileID" json:"ports"`

	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Profile) TableName() string {
	return "profiles"
}

// ProfilePort is one candidate port of a profile with its capacity.
// SortOrder preserves registration order, which is the rotation order.
type ProfilePort struct {
	ID        uint `gorm:"column:id;primaryKey" json:"id"`
	ProfileID uint `gorm:"column:profile_id;uniqueIndex:idx_profile_port;not null" json:"profile_id"`
	Port      int  `gorm:"column:port;uniqueIndex:idx_profile_port;not null" json:"port"`
	Capacity  int  `gorm:"column:capacity;not null;default:1" json:"capacity"`
	SortOrder int  `gorm:"column:sort_order;not null;default:0" json:"sort_order"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (ProfilePort) TableName() string {
	return "profile_ports"
}
