// Package directory provides an in-memory implementation of the
// server.UserDirectory interface. It backs development deployments and
// tests; production installs plug in their own directory against the
// same interface.
package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nimbusid/sso/server"
)

type account struct {
	user         server.User
	passwordHash []byte
	loginCount   int
}

// InMemory is a thread-safe in-memory user directory with bcrypt
// password storage.
type InMemory struct {
	mu       sync.RWMutex
	byID     map[string]*account
	byEmail  map[string]string // normalized email -> ID
	hashCost int
}

var _ server.UserDirectory = (*InMemory)(nil)

// NewInMemory creates an empty directory.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:     make(map[string]*account),
		byEmail:  make(map[string]string),
		hashCost: bcrypt.DefaultCost,
	}
}

// AddUser creates an account and returns its ID.
func (d *InMemory) AddUser(email, name, password, role string) (string, error) {
	if email == "" {
		return "", fmt.Errorf("email is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.hashCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	normalized := normalizeEmail(email)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byEmail[normalized]; exists {
		return "", fmt.Errorf("email %s is already registered", email)
	}

	id := uuid.NewString()
	d.byID[id] = &account{
		user:         server.User{ID: id, Email: email, Name: name, Role: role},
		passwordHash: hash,
	}
	d.byEmail[normalized] = id
	return id, nil
}

// Authenticate checks an email/password pair. Unknown addresses burn a
// bcrypt comparison so they cost the same as wrong passwords.
func (d *InMemory) Authenticate(_ context.Context, email, password string) (*server.User, error) {
	d.mu.RLock()
	id, ok := d.byEmail[normalizeEmail(email)]
	var acct *account
	if ok {
		acct = d.byID[id]
	}
	d.mu.RUnlock()

	if acct == nil {
		_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(password))
		return nil, server.ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(password)) != nil {
		return nil, server.ErrInvalidCredentials
	}

	user := acct.user
	return &user, nil
}

// GetUser fetches a user by ID.
func (d *InMemory) GetUser(_ context.Context, userID string) (*server.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acct, ok := d.byID[userID]
	if !ok {
		return nil, server.ErrUserNotFound
	}
	user := acct.user
	return &user, nil
}

// GetUserByEmail fetches a user by email.
func (d *InMemory) GetUserByEmail(_ context.Context, email string) (*server.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, server.ErrUserNotFound
	}
	user := d.byID[id].user
	return &user, nil
}

// SetPassword replaces the user's password.
func (d *InMemory) SetPassword(_ context.Context, userID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.hashCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	acct, ok := d.byID[userID]
	if !ok {
		return server.ErrUserNotFound
	}
	acct.passwordHash = hash
	return nil
}

// RecordLogin increments and returns the user's login count.
func (d *InMemory) RecordLogin(_ context.Context, userID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	acct, ok := d.byID[userID]
	if !ok {
		return 0, server.ErrUserNotFound
	}
	acct.loginCount++
	return acct.loginCount, nil
}

// dummyPasswordHash is a well-formed bcrypt hash compared against for
// unknown addresses. It matches no password anyone can log in with.
var dummyPasswordHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
