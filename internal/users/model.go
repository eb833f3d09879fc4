package users

import (
	"strings"
	"time"
)

// Role distinguishes the two sides being matched. It is fixed at
// registration; no migration path between roles exists.
type Role string

const (
	RoleRequester Role = "requester"
	RoleProvider  Role = "provider"
)

// Valid reports whether the role is one of the two modeled roles.
func (r Role) Valid() bool {
	return r == RoleRequester || r == RoleProvider
}

// VerificationStatus tracks provider vetting. Requesters stay empty.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// Valid reports whether the verification status is a known value.
func (v VerificationStatus) Valid() bool {
	switch v {
	case VerificationPending, VerificationApproved, VerificationRejected:
		return true
	}
	return false
}

// User captures an account of either role together with its profile fields.
// Name, degree and location form the public card; the rest is private and
// only exposed across parties through the access gate.
type User struct {
	ID                 string             `gorm:"column:id;primaryKey;size:190;not null"`
	Role               Role               `gorm:"column:role;size:32;not null"`
	DisplayName        string             `gorm:"column:display_name;size:320"`
	Email              string             `gorm:"column:email;size:320"`
	Degree             string             `gorm:"column:degree;size:190"`
	Location           string             `gorm:"column:location;size:190"`
	Bio                string             `gorm:"column:bio;type:text"`
	VerificationStatus VerificationStatus `gorm:"column:verification_status;size:32"`
	CreatedAt          time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
