package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidegate/oauth-idp/security"
	"github.com/tidegate/oauth-idp/storage"
)

// ============================================================
// ConsentStore Implementation
// ============================================================

// SaveConsent saves a consent record with a TTL matching its expiry,
// replacing any prior record for the same subject+client pair
func (s *Store) SaveConsent(ctx context.Context, consent *storage.Consent) error {
	if consent == nil || consent.SubjectID == "" || consent.ClientID == "" {
		return fmt.Errorf("invalid consent record")
	}

	data, err := json.Marshal(toConsentJSON(consent))
	if err != nil {
		return fmt.Errorf("failed to marshal consent: %w", err)
	}

	ttl := calculateTTL(consent.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("consent already expired")
	}

	key := s.consentKey(consent.SubjectID, consent.ClientID)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save consent: %w", err)
	}

	s.logger.Debug("Saved consent",
		"subject_id", safeTruncate(storage.HashToken(consent.SubjectID), hashLogLength),
		"client_id", consent.ClientID,
		"scopes", consent.Scopes)
	return nil
}

// GetConsent retrieves the consent record for a subject+client pair
func (s *Store) GetConsent(ctx context.Context, subjectID, clientID string) (*storage.Consent, error) {
	key := s.consentKey(subjectID, clientID)

	consent, err := getAndUnmarshal(ctx, s, key, storage.ErrConsentNotFound, fromConsentJSON)
	if err != nil {
		return nil, err
	}

	if security.IsTokenExpired(consent.ExpiresAt) {
		return nil, fmt.Errorf("%w: consent expired", storage.ErrRecordExpired)
	}

	return consent, nil
}

// DeleteConsent removes the consent record for a subject+client pair
func (s *Store) DeleteConsent(ctx context.Context, subjectID, clientID string) error {
	key := s.consentKey(subjectID, clientID)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete consent: %w", err)
	}

	return nil
}
