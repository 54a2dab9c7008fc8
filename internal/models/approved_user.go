package models

import (
	"time"
)

// ApprovedUser is an allowlisted end-user identity. When an allocation
// request carries a requester identity, it must be present here.
type ApprovedUser struct {
	ID       uint   `gorm:"column:id;primaryKey" json:"id"`
	Identity string `gorm:"column:identity;uniqueIndex;size:100;not null" json:"identity"`
	Note     string `gorm:"column:note;size:255" json:"note"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (ApprovedUser) TableName() string {
	return "approved_users"
}
