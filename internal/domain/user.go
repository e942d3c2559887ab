package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// Role is the closed set of actor roles.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleUser:
		return true
	}
	return false
}

// Staff reports whether the role may triage tickets.
func (r Role) Staff() bool {
	return r == RoleAdmin || r == RoleModerator
}

// User is the account record owned by the reference service.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         Role
	Department   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Ref projects the user into the reference embedded inside tickets.
func (u User) Ref() UserRef {
	return UserRef{ID: u.ID, Name: u.Name, Email: u.Email}
}

// Actor returns the user as an acting principal.
func (u User) Actor() Actor {
	return Actor{ID: u.ID, Name: u.Name, Role: u.Role}
}

// UserRef is the minimal user projection embedded inside a Ticket.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// UnmarshalJSON accepts a bare id string (unpopulated reference) or an
// object using either "id" or "_id".
func (u *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*u = UserRef{ID: id}
		return nil
	}
	type plain UserRef
	var raw struct {
		plain
		AltID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*u = UserRef(raw.plain)
	if u.ID == "" {
		u.ID = raw.AltID
	}
	return nil
}

// Actor is the authenticated principal performing an operation.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Ref projects the actor into a ticket user reference.
func (a Actor) Ref() UserRef {
	return UserRef{ID: a.ID, Name: a.Name}
}
