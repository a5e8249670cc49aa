// Package models contains data structures for the application's domain models.
package models

import (
	"strings"
	"time"
)

// Role is the platform role of a profile.
type Role string

// Known roles.
const (
	RoleFarmer     Role = "farmer"
	RoleAgronomist Role = "agronomist"
	RoleAdmin      Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleFarmer, RoleAgronomist, RoleAdmin:
		return true
	default:
		return false
	}
}

// User is a platform profile. The messaging core only reads it.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	FirstName string    `gorm:"size:100" json:"first_name"`
	LastName  string    `gorm:"size:100" json:"last_name"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Role      Role      `gorm:"type:varchar(20);not null;default:'farmer'" json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName maps users onto the shared profiles table.
func (User) TableName() string {
	return "profiles"
}

// DisplayName joins the name parts, skipping empty ones.
func (u User) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
