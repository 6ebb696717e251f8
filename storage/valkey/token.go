package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidegate/oauth-idp/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveRefreshToken persists a refresh-token record keyed by token hash, with
// a TTL matching its expiry. The record is also indexed in its family set and
// the subject+client set so reuse detection and lineage revocation can reach
// it. The SubjectID field is encrypted at rest when an encryptor is
// configured.
func (s *Store) SaveRefreshToken(ctx context.Context, record *storage.RefreshTokenRecord) error {
	if record == nil || record.TokenHash == "" {
		return fmt.Errorf("invalid refresh token record")
	}
	if record.FamilyID == "" {
		return fmt.Errorf("family ID cannot be empty")
	}
	if err := validateStringLength(record.TokenHash, MaxIDLength, "tokenHash"); err != nil {
		return err
	}
	if err := validateStringLength(record.FamilyID, MaxIDLength, "familyID"); err != nil {
		return err
	}

	ttl := calculateTTL(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	stored := *record
	encrypted, err := storage.EncryptSubjectID(record.SubjectID, s.getEncryptor())
	if err != nil {
		return err
	}
	stored.SubjectID = encrypted

	data, err := json.Marshal(toRefreshJSON(&stored))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token record: %w", err)
	}

	key := s.refreshKey(record.TokenHash)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save refresh token record: %w", err)
	}

	// Index sets outlive the token by the retention window so revocation can
	// still find rotated records.
	indexTTL := ttl + s.retentionTTL()
	s.addToIndexSet(ctx, s.familyKey(record.FamilyID), record.TokenHash, indexTTL)
	if record.SubjectID != "" {
		s.addToIndexSet(ctx, s.subjectRefreshKey(record.SubjectID, record.ClientID), record.TokenHash, indexTTL)
	}

	s.logger.Debug("Saved refresh token",
		"hash_prefix", safeTruncate(record.TokenHash, hashLogLength),
		"family_id", safeTruncate(record.FamilyID, hashLogLength),
		"generation", record.Generation)
	return nil
}

// addToIndexSet adds a member to an index set and refreshes its TTL.
// Index failures are logged, not fatal; the primary record is already saved.
func (s *Store) addToIndexSet(ctx context.Context, key, member string, ttl time.Duration) {
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(key).Member(member).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to add member to index set", "key", key, "error", err)
		return
	}

	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(key).Seconds(int64(ttl.Seconds())).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on index set", "key", key, "error", err)
	}
}

// GetRefreshToken retrieves a refresh-token record by token hash
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshTokenRecord, error) {
	record, err := getAndUnmarshal(ctx, s, s.refreshKey(tokenHash), storage.ErrRefreshTokenNotFound, fromRefreshJSON)
	if err != nil {
		return nil, err
	}
	return s.decryptRefreshRecord(record)
}

// AtomicRotateRefreshToken atomically moves an active record to the rotated
// state and returns it.
//
// SECURITY: This operation is atomic via Lua script; only ONE concurrent
// refresh can succeed. The rotated record is re-stored with the retention
// TTL so a replay of the old token is recognized as reuse rather than an
// unknown token.
func (s *Store) AtomicRotateRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshTokenRecord, error) {
	key := s.refreshKey(tokenHash)
	retentionSeconds := int64(s.retentionTTL().Seconds())

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRotateRefreshToken).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Arg(fmt.Sprintf("%d", retentionSeconds)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh rotation: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, fmt.Errorf("%w: not found or already cleaned up", storage.ErrRefreshTokenNotFound)
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrRecordExpired)
	case strings.HasPrefix(result, "REUSED:"):
		// Reuse. Return the stale record so the caller can revoke the family.
		data := strings.TrimPrefix(result, "REUSED:")
		var j refreshJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse stale record", storage.ErrRefreshTokenReused)
		}
		stale, err := s.decryptRefreshRecord(fromRefreshJSON(&j))
		if err != nil {
			return nil, err
		}
		return stale, storage.ErrRefreshTokenReused
	}

	var j refreshJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse refresh token record: %w", err)
	}

	s.logger.Debug("Rotated refresh token",
		"hash_prefix", safeTruncate(tokenHash, hashLogLength),
		"family_id", safeTruncate(j.FamilyID, hashLogLength),
		"generation", j.Generation)

	return s.decryptRefreshRecord(fromRefreshJSON(&j))
}

// SaveAccessToken records an issued access token by jti so lineage revocation
// can reach self-contained tokens. The record expires with the token.
func (s *Store) SaveAccessToken(ctx context.Context, record *storage.AccessTokenRecord) error {
	if record == nil || record.JTI == "" {
		return fmt.Errorf("invalid access token record")
	}

	ttl := calculateTTL(record.ExpiresAt)
	if ttl <= 0 {
		// The token is already expired; there is nothing left to revoke.
		return nil
	}

	data, err := json.Marshal(toAccessJSON(record))
	if err != nil {
		return fmt.Errorf("failed to marshal access token record: %w", err)
	}

	key := s.accessKey(record.JTI)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save access token record: %w", err)
	}

	if record.SubjectID != "" {
		s.addToIndexSet(ctx, s.subjectAccessKey(record.SubjectID, record.ClientID), record.JTI, ttl)
	}

	s.logger.Debug("Saved access token record",
		"jti", safeTruncate(record.JTI, hashLogLength),
		"client_id", record.ClientID)
	return nil
}

// GetAccessToken retrieves an access-token record by jti
func (s *Store) GetAccessToken(ctx context.Context, jti string) (*storage.AccessTokenRecord, error) {
	return getAndUnmarshal(ctx, s, s.accessKey(jti), storage.ErrAccessTokenNotFound, fromAccessJSON)
}

// IsAccessTokenRevoked reports whether the jti has been revoked.
// Unknown jtis are not revoked; the signed token speaks for itself.
func (s *Store) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	record, err := s.GetAccessToken(ctx, jti)
	if err != nil {
		if errors.Is(err, storage.ErrAccessTokenNotFound) {
			return false, nil
		}
		return false, err
	}
	return record.Revoked, nil
}

// decryptRefreshRecord returns the record with the subject decrypted
func (s *Store) decryptRefreshRecord(record *storage.RefreshTokenRecord) (*storage.RefreshTokenRecord, error) {
	subject, err := storage.DecryptSubjectID(record.SubjectID, s.getEncryptor())
	if err != nil {
		return nil, err
	}
	record.SubjectID = subject
	return record, nil
}
