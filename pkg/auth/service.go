package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

var (
	// ErrInvalidCredentials is returned by Login for an unknown id and for a
	// wrong password alike.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrDuplicateID is returned by SignUp when the id is already registered.
	ErrDuplicateID = errors.New("auth: id already exists")
	// ErrWeakPassword is returned by SignUp for passwords below MinPasswordLength.
	ErrWeakPassword = fmt.Errorf("auth: password must be at least %d bytes", MinPasswordLength)
	// ErrStore wraps credential store failures other than not-found/duplicate.
	ErrStore = errors.New("auth: credential store failure")
)

// MinPasswordLength is the shortest password SignUp accepts.
const MinPasswordLength = 8

// CredentialStore persists password hashes by user id.
// Lookup returns model.ErrCredentialNotFound for an unknown id; Insert
// returns model.ErrCredentialExists when the id is taken.
type CredentialStore interface {
	LookupCredential(ctx context.Context, id string) (hash, salt []byte, err error)
	InsertCredential(ctx context.Context, id string, hash, salt []byte) error
}

// Service implements sign-up and login.
type Service struct {
	store  CredentialStore
	hasher Hasher

	// dummySalt feeds the hash computed for unknown ids so that a missing
	// id costs the same as a wrong password.
	dummySalt []byte
}

// NewService creates an auth service backed by store.
func NewService(store CredentialStore, hasher Hasher) *Service {
	return &Service{
		store:     store,
		hasher:    hasher,
		dummySalt: make([]byte, hasher.saltSize()),
	}
}

// SignUp registers id with a freshly salted hash of password.
func (s *Service) SignUp(ctx context.Context, id, password string) error {
	if err := model.ValidateUserID(id); err != nil {
		return fmt.Errorf("auth: sign up: %w", err)
	}
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}

	salt, err := s.hasher.NewSalt()
	if err != nil {
		return err
	}
	hash := s.hasher.Hash(password, salt)

	if err := s.store.InsertCredential(ctx, id, hash, salt); err != nil {
		if errors.Is(err, model.ErrCredentialExists) {
			return ErrDuplicateID
		}
		return fmt.Errorf("%w: insert %q: %v", ErrStore, id, err)
	}
	return nil
}

// Login checks password against the stored hash for id.
func (s *Service) Login(ctx context.Context, id, password string) error {
	hash, salt, err := s.store.LookupCredential(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrCredentialNotFound) {
			_ = s.hasher.Verify(password, nil, s.dummySalt)
			return ErrInvalidCredentials
		}
		return fmt.Errorf("%w: lookup %q: %v", ErrStore, id, err)
	}
	if !s.hasher.Verify(password, hash, salt) {
		return ErrInvalidCredentials
	}
	return nil
}
