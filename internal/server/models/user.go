package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a stored user account. Password holds the encoded hash, never the
// plaintext.
type User struct {
	ID        int32
	Pid       uuid.UUID
	Email     string
	Name      string
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewUser carries the fields supplied at registration. Pid and timestamps
// are assigned by the store.
type NewUser struct {
	Email        string
	Name         string
	PasswordHash string
}

// UserUpdate is a partial update; nil fields are left untouched.
type UserUpdate struct {
	Email        *string
	Name         *string
	PasswordHash *string
}

// Empty reports whether the update changes nothing.
func (u UserUpdate) Empty() bool {
	return u.Email == nil && u.Name == nil && u.PasswordHash == nil
}
