package models

import (
	"errors"
	"fmt"
)

// AuthorKind tags which variant an Author holds.
type AuthorKind string

const (
	AuthorInternal AuthorKind = "internal"
	AuthorExternal AuthorKind = "external"
	AuthorSystem   AuthorKind = "system"
)

// Author is recorded wherever authorship matters (operations, suggestions,
// audit rows). Exactly the fields of its Kind are set:
//
//	Internal(userID)         → UserID
//	External(tokenID, email) → TokenID, Email
//	System(name)             → Name
type Author struct {
	Kind    AuthorKind `json:"kind" gorm:"type:varchar(16)"`
	UserID  string     `json:"user_id,omitempty" gorm:"type:varchar(64)"`
	TokenID string     `json:"token_id,omitempty" gorm:"type:varchar(64)"`
	Email   string     `json:"email,omitempty" gorm:"type:varchar(255)"`
	Name    string     `json:"name,omitempty" gorm:"type:varchar(255)"`
}

// Internal is an employee identified by user id.
func Internal(userID, name string) Author {
	return Author{Kind: AuthorInternal, UserID: userID, Name: name}
}

// External is a counterparty admitted by a capability token.
func External(tokenID, email, name string) Author {
	return Author{Kind: AuthorExternal, TokenID: tokenID, Email: email, Name: name}
}

// System is an automated writer such as the auto-accept policy.
func System(name string) Author {
	return Author{Kind: AuthorSystem, Name: name}
}

// Key is a stable identity string, unique across variants.
func (a Author) Key() string {
	switch a.Kind {
	case AuthorInternal:
		return "user:" + a.UserID
	case AuthorExternal:
		return "token:" + a.TokenID
	case AuthorSystem:
		return "system:" + a.Name
	}
	return ""
}

// IsZero reports whether no variant is set.
func (a Author) IsZero() bool {
	return a.Kind == ""
}

// Validate checks that the fields required by the variant are present.
func (a Author) Validate() error {
	switch a.Kind {
	case AuthorInternal:
		if a.UserID == "" {
			return errors.New("internal author needs a user id")
		}
	case AuthorExternal:
		if a.TokenID == "" || a.Email == "" {
			return errors.New("external author needs a token id and email")
		}
	case AuthorSystem:
		if a.Name == "" {
			return errors.New("system author needs a name")
		}
	default:
		return fmt.Errorf("unknown author kind %q", a.Kind)
	}
	return nil
}

func (a Author) String() string {
	if a.Name != "" && a.Kind != AuthorSystem {
		return fmt.Sprintf("%s (%s)", a.Name, a.Key())
	}
	return a.Key()
}

// Role gates what a participant may do in a session.
type Role string

const (
	RoleOwner            Role = "owner"
	RoleEditor           Role = "editor"
	RoleCommenter        Role = "commenter"
	RoleExternalReviewer Role = "external_reviewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleCommenter, RoleExternalReviewer:
		return true
	}
	return false
}

// CanEdit reports whether the role may append operations.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor || r == RoleExternalReviewer
}

// CanResolve reports whether the role may accept or reject suggestions.
func (r Role) CanResolve() bool {
	return r == RoleOwner || r == RoleEditor
}
