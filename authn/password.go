package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// dummyBcryptHash is compared against when the username is unknown, so the
// response time does not reveal whether an account exists.
// It is the bcrypt hash of an unguessable throwaway value.
const dummyBcryptHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

// UserDirectory resolves a username to its subject ID and password hash.
type UserDirectory interface {
	// LookupPasswordHash returns the subject ID and encoded password hash
	// for a username. Unknown usernames return ErrAuthenticationFailed;
	// infrastructure failures return other errors.
	LookupPasswordHash(ctx context.Context, username string) (subjectID, passwordHash string, err error)
}

// PasswordAuthenticator authenticates username+password credentials against
// a UserDirectory.
type PasswordAuthenticator struct {
	directory UserDirectory
	hasher    Hasher
	logger    *slog.Logger
}

var _ Authenticator = (*PasswordAuthenticator)(nil)

// NewPasswordAuthenticator creates a password authenticator. A nil hasher
// defaults to bcrypt.
func NewPasswordAuthenticator(directory UserDirectory, hasher Hasher, logger *slog.Logger) (*PasswordAuthenticator, error) {
	if directory == nil {
		return nil, fmt.Errorf("user directory cannot be nil")
	}
	if hasher == nil {
		hasher = NewBcryptHasher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PasswordAuthenticator{directory: directory, hasher: hasher, logger: logger}, nil
}

// Method implements Authenticator.
func (a *PasswordAuthenticator) Method() string { return "password" }

// Authenticate implements Authenticator.
//
// SECURITY: the hash comparison runs even for unknown usernames (against a
// dummy hash) so lookups and failures take the same time.
func (a *PasswordAuthenticator) Authenticate(ctx context.Context, credentials Credentials) (string, error) {
	username := credentials.Get(FieldUsername)
	password := credentials.Get(FieldPassword)
	if username == "" || password == "" {
		return "", fmt.Errorf("%w: username and password required", ErrMissingCredential)
	}

	subjectID, hash, err := a.directory.LookupPasswordHash(ctx, username)

	hashToCompare := dummyBcryptHash
	if err == nil && hash != "" {
		hashToCompare = hash
	}

	// Always compare, even when the lookup failed.
	compareErr := a.hasher.Compare(hashToCompare, password)

	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			a.logger.Debug("Password authentication failed", "reason", "unknown_username")
			return "", ErrAuthenticationFailed
		}
		// Directory infrastructure failure, retryable.
		return "", fmt.Errorf("user directory lookup failed: %w", err)
	}

	if compareErr != nil {
		a.logger.Debug("Password authentication failed", "reason", "wrong_password")
		return "", ErrAuthenticationFailed
	}

	return subjectID, nil
}
