package users

import "time"

type UserRepo interface {
	Upsert(user *User) error
	GetByUsername(username string) (*User, error)
	GetByID(ID string) (*User, error)
	SetLastLogin(ID string, at time.Time) error
}
