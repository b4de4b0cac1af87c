package models

import "time"

// MembershipStatus is the entitlement state stored on the user record.
type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "active"
	MembershipCancelled MembershipStatus = "cancelled"
	MembershipExpired   MembershipStatus = "expired"
)

// User is the directory view of an account: buyer profile plus membership fields.
type User struct {
	ID                  int64            `json:"id"`
	Email               string           `json:"email"`
	Name                string           `json:"name"`
	Phone               string           `json:"phone,omitempty"`
	Grade               Plan             `json:"grade"`
	MembershipStatus    MembershipStatus `json:"membership_status"`
	MembershipStartDate *time.Time       `json:"membership_start_date,omitempty"`
	MembershipEndDate   *time.Time       `json:"membership_end_date,omitempty"`
}
