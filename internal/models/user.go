package models

// Role of a user in the marketplace.
type Role string

const (
	RolePatient Role = "PATIENT"
	RoleDoctor  Role = "DOCTOR"
	RoleAdmin   Role = "ADMIN"
)

// UserSummary is the public profile of a user as seen by chat.
type UserSummary struct {
	ID          int    `db:"id" json:"id"`
	Role        Role   `db:"role" json:"role"`
	DisplayName string `db:"display_name" json:"display_name"`
	AvatarURL   string `db:"avatar_url" json:"avatar_url,omitempty"`
}

// Identity is the authenticated caller.
type Identity struct {
	UserID int
	Role   Role
}

// IsZero reports whether no user is authenticated.
func (i Identity) IsZero() bool {
	return i.UserID == 0
}
