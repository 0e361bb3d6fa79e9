// Package model defines the data structures used throughout the application.
package model

import "time"

// Account is the single persisted entity: one registered user of the app.
//
// ID is an xid string assigned by the store at creation; it is also the
// subject of every token issued for the account.
//
// SecondaryIdentifier holds the national id (RUT). It is optional, so it is a
// pointer: nil means "not provided" and maps to SQL NULL, which keeps the
// unique index from treating every missing value as the same key.
//
// PasswordHash carries `json:"-"` so no response can ever include it.
type Account struct {
	ID                  string    `json:"id"`
	FirstName           string    `json:"firstName"`
	LastName            string    `json:"lastName"`
	Email               string    `json:"email"`
	PasswordHash        string    `json:"-"`
	DateOfBirth         Date      `json:"dateOfBirth"`
	SecondaryIdentifier *string   `json:"secondaryIdentifier,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// AccountPatch is a partial update. A nil field keeps the stored value.
//
// PasswordHash is only ever set by the password-update path; the profile
// update path builds its patch from a type that has no password field.
type AccountPatch struct {
	FirstName           *string
	LastName            *string
	Email               *string
	DateOfBirth         *Date
	SecondaryIdentifier *string
	PasswordHash        *string
}

// IsEmpty reports whether the patch changes nothing.
func (p AccountPatch) IsEmpty() bool {
	return p.FirstName == nil &&
		p.LastName == nil &&
		p.Email == nil &&
		p.DateOfBirth == nil &&
		p.SecondaryIdentifier == nil &&
		p.PasswordHash == nil
}
