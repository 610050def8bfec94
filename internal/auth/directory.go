// ABOUTME: Operator account directory used by the token login endpoint
// ABOUTME: Accounts come from config; optional bcrypt password hashes are checked

package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Directory errors
var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrBadCredentials  = errors.New("bad credentials")
)

// Operator is an account allowed to obtain operator tokens.
type Operator struct {
	ID           string
	Email        string
	PasswordHash string // bcrypt; empty means email-only login
	Roles        []string
}

// Directory looks up operators by email. It is read-only after construction.
type Directory struct {
	byEmail map[string]Operator
}

// NewDirectory builds a directory from the configured operators.
// Emails are matched case-insensitively.
func NewDirectory(operators []Operator) *Directory {
	d := &Directory{byEmail: make(map[string]Operator, len(operators))}
	for _, op := range operators {
		d.byEmail[strings.ToLower(strings.TrimSpace(op.Email))] = op
	}
	return d
}

// Authenticate returns the operator for email. When the account has a
// password hash the password must match it.
func (d *Directory) Authenticate(email, password string) (Operator, error) {
	op, ok := d.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok || email == "" {
		return Operator{}, ErrUnknownOperator
	}
	if op.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
			return Operator{}, ErrBadCredentials
		}
	}
	return op, nil
}

// Len returns the number of operator accounts.
func (d *Directory) Len() int {
	return len(d.byEmail)
}
