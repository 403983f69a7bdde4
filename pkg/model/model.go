// Package model defines the domain values shared by the chat server packages.
package model

import "errors"

// Results a credential store reports for a missing or duplicate user id.
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExists   = errors.New("credential already exists")
)
