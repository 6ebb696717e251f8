// Package mock provides a configurable Authenticator for testing.
package mock

import (
	"context"
	"sync"

	"github.com/tidegate/oauth-idp/authn"
)

// User is a test account.
type User struct {
	SubjectID string
	Password  string
}

// Authenticator is an in-memory authn.Authenticator for tests. Zero value is
// usable; add accounts with AddUser or override behavior entirely with
// AuthenticateFunc.
type Authenticator struct {
	mu    sync.Mutex
	users map[string]User
	calls int

	// AuthenticateFunc, when set, replaces the default behavior
	AuthenticateFunc func(ctx context.Context, credentials authn.Credentials) (string, error)
}

var _ authn.Authenticator = (*Authenticator)(nil)

// New creates an empty mock authenticator.
func New() *Authenticator {
	return &Authenticator{users: make(map[string]User)}
}

// AddUser registers a username with its password and subject ID.
func (a *Authenticator) AddUser(username, password, subjectID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.users == nil {
		a.users = make(map[string]User)
	}
	a.users[username] = User{SubjectID: subjectID, Password: password}
}

// Method implements authn.Authenticator.
func (a *Authenticator) Method() string { return "mock" }

// Authenticate implements authn.Authenticator.
func (a *Authenticator) Authenticate(ctx context.Context, credentials authn.Credentials) (string, error) {
	a.mu.Lock()
	a.calls++
	override := a.AuthenticateFunc
	user, ok := a.users[credentials.Get(authn.FieldUsername)]
	a.mu.Unlock()

	if override != nil {
		return override(ctx, credentials)
	}

	if !ok || user.Password != credentials.Get(authn.FieldPassword) {
		return "", authn.ErrAuthenticationFailed
	}
	return user.SubjectID, nil
}

// Calls returns how many times Authenticate was invoked.
func (a *Authenticator) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
