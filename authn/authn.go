// Package authn defines the authenticator capability the authorization
// server consumes during the login step of an authorization flow.
//
// The server never sees raw credentials semantics; it hands the submitted
// fields to an Authenticator and gets back a stable subject identifier or a
// failure. Implementations for password and phone-OTP login are provided;
// embedders can plug in their own.
package authn

import (
	"context"
	"errors"
)

// Credential field names the built-in authenticators understand. The login
// endpoint forwards submitted form fields under these keys.
const (
	FieldUsername = "username"
	FieldPassword = "password"
	FieldPhone    = "phone"
	FieldCode     = "code"
)

var (
	// ErrAuthenticationFailed is the generic failure returned for any bad
	// credential. Implementations MUST NOT distinguish unknown identifiers
	// from wrong secrets; that distinction is an account-enumeration oracle.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrMissingCredential indicates a required credential field was absent
	ErrMissingCredential = errors.New("missing credential")
)

// Credentials are the fields a subject submitted at the login step.
type Credentials map[string]string

// Get returns the named field, trimmed of nothing; absent fields are "".
func (c Credentials) Get(field string) string {
	return c[field]
}

// Authenticator validates credentials and resolves the subject.
type Authenticator interface {
	// Authenticate returns the stable subject identifier for valid
	// credentials, or ErrAuthenticationFailed. Infrastructure problems
	// (directory unreachable) return other errors and are surfaced to the
	// client as a retryable condition, never as an authentication verdict.
	Authenticate(ctx context.Context, credentials Credentials) (string, error)

	// Method names the authentication method for audit logs ("password",
	// "phone_otp", ...).
	Method() string
}
