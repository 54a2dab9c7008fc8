package models

import (
	"time"

	"gorm.io/gorm"
)

// Panel represents a remote 3x-ui panel that clients are provisioned on
type Panel struct {
	ID       uint   `gorm:"column:id;primaryKey" json:"id"`
	Name     string `gorm:"column:name;uniqueIndex;size:100;not null" json:"name"`
	BaseURL  string `gorm:"column:base_url;size:255;not null" json:"base_url"`
	Username string `gorm:"column:username;size:100;not null" json:"username"`
	// Password is AES-256-GCM encrypted at rest, never serialized
	Password  string `gorm:"column:password;size:500;not null" json:"-"`
	VerifyTLS bool   `gorm:"column:verify_tls;default:false" json:"verify_tls"`
	IsActive  bool   `gorm:"column:is_active;default:true" json:"is_active"`

	// Health tracking, maintained by the panel health service
	IsOnline   bool       `gorm:"column:is_online;default:false" json:"is_online"`
	LastSeenAt *time.Time `gorm:"column:last_seen_at" json:"last_seen_at"`
	LastError  string     `gorm:"column:last_error;size:500" json:"last_error"`

	// Computed security indicator, set by handlers
	HasPassword bool `gorm:"-" json:"has_password"`

	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Panel) TableName() string {
	return "panels"
}
