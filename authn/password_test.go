package authn

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeDirectory struct {
	users map[string]struct {
		subjectID string
		hash      string
	}
	lookupErr error
}

func (d *fakeDirectory) LookupPasswordHash(_ context.Context, username string) (string, string, error) {
	if d.lookupErr != nil {
		return "", "", d.lookupErr
	}
	u, ok := d.users[username]
	if !ok {
		return "", "", ErrAuthenticationFailed
	}
	return u.subjectID, u.hash, nil
}

func newFakeDirectory(t *testing.T, username, password, subjectID string) *fakeDirectory {
	t.Helper()
	hasher := &BcryptHasher{Cost: 4} // minimal cost keeps the test fast
	hash, err := hasher.Hash(password)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	return &fakeDirectory{users: map[string]struct {
		subjectID string
		hash      string
	}{
		username: {subjectID: subjectID, hash: hash},
	}}
}

func TestPasswordAuthenticator_Success(t *testing.T) {
	dir := newFakeDirectory(t, "alice", "s3cret-password", "subject-alice")
	auth, err := NewPasswordAuthenticator(dir, &BcryptHasher{Cost: 4}, nil)
	if err != nil {
		t.Fatalf("NewPasswordAuthenticator() error = %v", err)
	}

	subject, err := auth.Authenticate(context.Background(), Credentials{
		FieldUsername: "alice",
		FieldPassword: "s3cret-password",
	})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if subject != "subject-alice" {
		t.Errorf("subject = %q, want subject-alice", subject)
	}
}

func TestPasswordAuthenticator_WrongPassword(t *testing.T) {
	dir := newFakeDirectory(t, "alice", "s3cret-password", "subject-alice")
	auth, _ := NewPasswordAuthenticator(dir, &BcryptHasher{Cost: 4}, nil)

	_, err := auth.Authenticate(context.Background(), Credentials{
		FieldUsername: "alice",
		FieldPassword: "wrong",
	})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestPasswordAuthenticator_UnknownUser_SameError(t *testing.T) {
	dir := newFakeDirectory(t, "alice", "s3cret-password", "subject-alice")
	auth, _ := NewPasswordAuthenticator(dir, &BcryptHasher{Cost: 4}, nil)

	// Unknown usernames must be indistinguishable from wrong passwords.
	_, err := auth.Authenticate(context.Background(), Credentials{
		FieldUsername: "nobody",
		FieldPassword: "whatever",
	})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestPasswordAuthenticator_MissingCredentials(t *testing.T) {
	dir := newFakeDirectory(t, "alice", "s3cret-password", "subject-alice")
	auth, _ := NewPasswordAuthenticator(dir, &BcryptHasher{Cost: 4}, nil)

	_, err := auth.Authenticate(context.Background(), Credentials{FieldUsername: "alice"})
	if !errors.Is(err, ErrMissingCredential) {
		t.Errorf("error = %v, want ErrMissingCredential", err)
	}
}

func TestPasswordAuthenticator_DirectoryFailure_NotAuthFailure(t *testing.T) {
	dir := &fakeDirectory{lookupErr: fmt.Errorf("directory unreachable")}
	auth, _ := NewPasswordAuthenticator(dir, &BcryptHasher{Cost: 4}, nil)

	_, err := auth.Authenticate(context.Background(), Credentials{
		FieldUsername: "alice",
		FieldPassword: "s3cret-password",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	// Infrastructure failures must not masquerade as bad credentials.
	if errors.Is(err, ErrAuthenticationFailed) {
		t.Error("directory failure should not map to ErrAuthenticationFailed")
	}
}

func TestBcryptHasher_RoundTrip(t *testing.T) {
	hasher := &BcryptHasher{Cost: 4}
	hash, err := hasher.Hash("some-secret")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if err := hasher.Compare(hash, "some-secret"); err != nil {
		t.Errorf("Compare() with correct secret error = %v", err)
	}
	if err := hasher.Compare(hash, "other"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Compare() with wrong secret error = %v, want ErrAuthenticationFailed", err)
	}
}
