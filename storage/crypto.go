package storage

import (
	"fmt"

	"github.com/tidegate/oauth-idp/security"
)

// Subject identifiers are the only PII a backend persists. When an Encryptor
// is configured, backends encrypt the SubjectID field at rest; map keys and
// indexes stay hash-derived so lookups never need the plaintext.
//
// SECURITY: encryption at rest protects against backend snapshots and
// replication streams leaking subject identity; it is not a substitute for
// access control on the store itself.

// EncryptSubjectID encrypts a subject identifier for storage.
// Returns the plaintext unchanged if the encryptor is nil or disabled.
func EncryptSubjectID(subjectID string, encryptor *security.Encryptor) (string, error) {
	if subjectID == "" || encryptor == nil || !encryptor.IsEnabled() {
		return subjectID, nil
	}
	encrypted, err := encryptor.Encrypt(subjectID)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt subject ID: %w", err)
	}
	return encrypted, nil
}

// DecryptSubjectID reverses EncryptSubjectID.
// Returns the input unchanged if the encryptor is nil or disabled.
func DecryptSubjectID(stored string, encryptor *security.Encryptor) (string, error) {
	if stored == "" || encryptor == nil || !encryptor.IsEnabled() {
		return stored, nil
	}
	decrypted, err := encryptor.Decrypt(stored)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt subject ID: %w", err)
	}
	return decrypted, nil
}
