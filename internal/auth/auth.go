// Package auth validates logon credentials.
//
// It holds no session state; the server issues tickets after a validator accepts.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrUnknownUser  = fmt.Errorf("%w: unknown user", ErrUnauthorized)
)

// Credentials are the logon fields a client presents.
type Credentials struct {
	Client   string
	User     string
	Password string
}

// Validator validates logon credentials.
type Validator interface {
	Validate(c Credentials) error
}

// StaticPassword accepts any user of any client with one shared password.
// It is intended only for development and demos.
type StaticPassword struct {
	Password string
}

func (s StaticPassword) Validate(c Credentials) error {
	if s.Password == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Password), []byte(c.Password)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(c Credentials) error

func (f FuncValidator) Validate(c Credentials) error {
	return f(c)
}

// Users validates against bcrypt hashes keyed by client and user. User names
// are case-insensitive.
type Users struct {
	mu     sync.RWMutex
	hashes map[string][]byte
}

func NewUsers() *Users {
	return &Users{hashes: make(map[string][]byte)}
}

func userKey(client, user string) string {
	return strings.TrimSpace(client) + "/" + strings.ToUpper(strings.TrimSpace(user))
}

// AddHash registers a precomputed bcrypt hash.
func (u *Users) AddHash(client, user, hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("auth: hash for %s: %w", user, err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hashes[userKey(client, user)] = []byte(hash)
	return nil
}

// AddPassword hashes password and registers it.
func (u *Users) AddPassword(client, user, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return u.AddHash(client, user, hash)
}

func (u *Users) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.hashes)
}

func (u *Users) Validate(c Credentials) error {
	u.mu.RLock()
	hash, ok := u.hashes[userKey(c.Client, c.User)]
	u.mu.RUnlock()
	if !ok {
		return ErrUnknownUser
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(c.Password)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// HashPassword returns a bcrypt hash suitable for AddHash and config files.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("auth: empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}
