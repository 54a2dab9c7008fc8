package models

import (
	"time"
)

// Allocation is one committed provisioning unit: a client created on a
// panel under a profile, pinned to the port and sequence number it was
// issued with. Rows are never updated; usage accounting is always a
// count over this table.
type Allocation struct {
	ID          uint     `gorm:"column:id;primaryKey" json:"id"`
	ProfileID   uint     `gorm:"column:profile_id;not null;uniqueIndex:idx_alloc_profile_seq;uniqueIndex:idx_alloc_profile_name;index:idx_alloc_profile_port" json:"profile_id"`
	Profile     *Profile `gorm:"foreignKey:ProfileID" json:"profile,omitempty"`
	ProfileName string   `gorm:"column:profile_name;size:100;not null;index" json:"profile_name"`

	SequenceNumber int64  `gorm:"column:sequence_number;not null;uniqueIndex:idx_alloc_profile_seq" json:"sequence_number"`
	Name           string `gorm:"column:name;size:150;not null;uniqueIndex:idx_alloc_profile_name" json:"name"`
	Port           int    `gorm:"column:port;not null;index:idx_alloc_profile_port" json:"port"`

	PanelID uint `gorm:"column:panel_id;not null" json:"panel_id"`

	// Identity on the panel: protocol credential and subscription id
	ClientID string `gorm:"column:client_id;size:64" json:"client_id"`
	SubID    string `gorm:"column:sub_id;size:32" json:"sub_id"`

	RequestedBy string    `gorm:"column:requested_by;size:100;index" json:"requested_by"`
	CreatedAt   time.Time `gorm:"column:created_at;index" json:"created_at"`
}

func (Allocation) TableName() string {
	return "allocations"
}
