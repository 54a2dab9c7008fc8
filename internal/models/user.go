package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// UserRole represents the role of an operator account
type UserRole int

const (
	UserRoleReadonly UserRole = 1
	UserRoleOperator UserRole = 2
	UserRoleAdmin    UserRole = 3
)

// MarshalJSON converts UserRole to string for JSON
func (ur UserRole) MarshalJSON() ([]byte, error) {
	var s string
	switch ur {
	case UserRoleReadonly:
		s = "readonly"
	case UserRoleOperator:
		s = "operator"
	case UserRoleAdmin:
		s = "admin"
	default:
		s = "unknown"
	}
	return json.Marshal(s)
}

// UnmarshalJSON converts string back to UserRole for JSON parsing
func (ur *UserRole) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Try as integer for backward compatibility
		var i int
		if err := json.Unmarshal(data, &i); err != nil {
			return err
		}
		*ur = UserRole(i)
		return nil
	}
	switch s {
	case "readonly":
		*ur = UserRoleReadonly
	case "operator":
		*ur = UserRoleOperator
	case "admin":
		*ur = UserRoleAdmin
	default:
		*ur = UserRoleReadonly
	}
	return nil
}

// User represents an operator of the provisioning backend
type User struct {
	ID        uint           `gorm:"column:id;primaryKey" json:"id"`
	Username  string         `gorm:"column:username;uniqueIndex;size:100;not null" json:"username"`
	Password  string         `gorm:"column:password;size:255;not null" json:"-"`
	Email     string         `gorm:"column:email;size:255" json:"email"`
	FullName  string         `gorm:"column:full_name;size:255" json:"full_name"`
	Role      UserRole       `gorm:"column:role;default:1" json:"role"`
	IsActive  bool           `gorm:"column:is_active;default:true" json:"is_active"`
	LastLogin *time.Time     `gorm:"column:last_login" json:"last_login"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`

	// 2FA fields
	TwoFactorEnabled bool   `gorm:"column:two_factor_enabled;default:false" json:"two_factor_enabled"`
	TwoFactorSecret  string `gorm:"column:two_factor_secret;size:255" json:"-"`

	// Force password change on first login
	ForcePasswordChange bool `gorm:"column:force_password_change;default:false" json:"force_password_change"`
}

func (User) TableName() string {
	return "users"
}
