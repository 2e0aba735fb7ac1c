package models

import "github.com/ocpp-balanz/balanz/utility"

// UserType orders API roles by capability.
type UserType string

const (
	UserTypeStatus          UserType = "Status"
	UserTypeAnalysis        UserType = "Analysis"
	UserTypeSessionPriority UserType = "SessionPriority"
	UserTypeTags            UserType = "Tags"
	UserTypeAdmin           UserType = "Admin"
)

// User is an API user. The stored sha256 covers user_id and password
// concatenated, matching the Login token check.
type User struct {
	UserId      string   `json:"user_id"`
	UserType    UserType `json:"user_type"`
	Description string   `json:"description,omitempty"`
	AuthSHA     string   `json:"-"`
}

func NewUser(userId, password string, userType UserType, description string) *User {
	user := &User{
		UserId:      userId,
		UserType:    userType,
		Description: description,
	}
	if user.UserType == "" {
		user.UserType = UserTypeStatus
	}
	if password != "" {
		user.AuthSHA = utility.Sha256(userId + password)
	}
	return user
}

func (u *User) SetPassword(password string) {
	u.AuthSHA = utility.Sha256(u.UserId + password)
}
