// Package account provides email/password accounts for parents.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"satchel/api/internal/store"
	"satchel/api/internal/util"
)

var (
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrMissingFields      = errors.New("email, password, and name are required")
	ErrPasswordTooShort   = errors.New("password must be at least 8 characters")
)

// ParentStore defines the storage interface for accounts
type ParentStore interface {
	GetParentByEmail(ctx context.Context, email string) (store.ParentAccount, error)
	GetParentByID(ctx context.Context, id string) (store.ParentAccount, error)
	CreateParent(ctx context.Context, parent store.ParentAccount) error
}

// Service provides parent sign-up and sign-in
type Service struct {
	store ParentStore
}

func NewService(store ParentStore) *Service {
	return &Service{store: store}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email    string
	Password string
	Name     string
	Phone    string
}

// SignUp creates a new parent account
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.ParentAccount, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.Name)
	if email == "" || req.Password == "" || name == "" {
		return store.ParentAccount{}, ErrMissingFields
	}
	if len(req.Password) < 8 {
		return store.ParentAccount{}, ErrPasswordTooShort
	}

	if _, err := s.store.GetParentByEmail(ctx, email); err == nil {
		return store.ParentAccount{}, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.ParentAccount{}, fmt.Errorf("hash password: %w", err)
	}

	parent := store.ParentAccount{
		ID:           util.NewID("par"),
		Name:         name,
		Email:        email,
		Phone:        strings.TrimSpace(req.Phone),
		PasswordHash: string(hash),
	}
	if err := s.store.CreateParent(ctx, parent); err != nil {
		return store.ParentAccount{}, fmt.Errorf("create parent account: %w", err)
	}
	return parent, nil
}

// SignIn authenticates a parent by email and password
func (s *Service) SignIn(ctx context.Context, email, password string) (store.ParentAccount, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return store.ParentAccount{}, ErrInvalidCredentials
	}

	parent, err := s.store.GetParentByEmail(ctx, email)
	if err != nil {
		return store.ParentAccount{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(parent.PasswordHash), []byte(password)); err != nil {
		return store.ParentAccount{}, ErrInvalidCredentials
	}
	return parent, nil
}
