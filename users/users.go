package users

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID           string    `json:"id,omitempty"`          // Unique identifier, the "sub" claim
	Email        string    `json:"email,omitempty"`       // User's email address
	Username     string    `json:"username,omitempty"`    // Unique username used at the login page and password grant
	PasswordHash string    `json:"-"`                     // Hashed version of the user's password - never serialize
	FirstName    string    `json:"first_name,omitempty"`  // First name of the user
	LastName     string    `json:"last_name,omitempty"`   // Last name of the user
	DateJoined   time.Time `json:"date_joined,omitempty"` // Date and time when the user registered
	LastLogin    time.Time `json:"last_login,omitempty"`  // Last time the user logged in

	Verified bool `json:"verified,omitempty"` // Verified, has the user verified who they are
	Blocked  bool `json:"blocked,omitempty"`  // Blocked, has the user been blocked from logging in
}

// CanAuthenticate reports whether the account may log in at all.
func (u *User) CanAuthenticate() bool {
	return !u.Blocked
}

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPasswordHash compares a password with its bcrypt hash
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
