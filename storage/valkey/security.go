package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidegate/oauth-idp/storage"
)

// Revocation paths. These run when theft is detected (code replay, refresh
// reuse) or when a client calls the revocation endpoint. Revoked records are
// kept for the retention window rather than deleted, so a later replay of a
// revoked token is still recognized.

// RevokeRefreshToken revokes a single refresh-token record by hash.
// Revoking an unknown token is not an error.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	revoked, err := s.markRefreshRevoked(ctx, tokenHash)
	if err != nil {
		return err
	}
	if revoked {
		s.logger.Debug("Revoked refresh token",
			"hash_prefix", safeTruncate(tokenHash, hashLogLength))
	}
	return nil
}

// markRefreshRevoked sets a refresh record's status to revoked and re-stores
// it with the retention TTL. Reports whether a record transitioned.
func (s *Store) markRefreshRevoked(ctx context.Context, tokenHash string) (bool, error) {
	key := s.refreshKey(tokenHash)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get refresh token record: %w", err)
	}

	var j refreshJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return false, fmt.Errorf("failed to unmarshal refresh token record: %w", err)
	}

	if j.Status == string(storage.RefreshTokenRevoked) {
		return false, nil
	}

	j.Status = string(storage.RefreshTokenRevoked)
	updated, err := json.Marshal(&j)
	if err != nil {
		return false, fmt.Errorf("failed to marshal refresh token record: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(updated)).Ex(s.retentionTTL()).Build(),
	).Error(); err != nil {
		return false, fmt.Errorf("failed to save revoked record: %w", err)
	}

	return true, nil
}

// RevokeRefreshTokenFamily revokes every record in a family.
// Called when refresh-token reuse is detected.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	hashes, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.familyKey(familyID)).Build(),
	).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get family members: %w", err)
	}

	revoked := 0
	for _, hash := range hashes {
		transitioned, err := s.markRefreshRevoked(ctx, hash)
		if err != nil {
			return revoked, err
		}
		if transitioned {
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked refresh token family",
			"family_id", safeTruncate(familyID, hashLogLength),
			"tokens_revoked", revoked)
	}

	return revoked, nil
}

// RevokeTokensForSubjectClient revokes all refresh and access token records
// for a subject+client pair. Called when authorization code replay is
// detected.
func (s *Store) RevokeTokensForSubjectClient(ctx context.Context, subjectID, clientID string) (int, error) {
	if subjectID == "" || clientID == "" {
		return 0, fmt.Errorf("subjectID and clientID cannot be empty")
	}
	if err := validateStringLength(subjectID, MaxIDLength, "subjectID"); err != nil {
		return 0, err
	}
	if err := validateStringLength(clientID, MaxIDLength, "clientID"); err != nil {
		return 0, err
	}

	revoked := 0

	hashes, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.subjectRefreshKey(subjectID, clientID)).Build(),
	).AsStrSlice()
	if err != nil && !isNilError(err) {
		return 0, fmt.Errorf("failed to get refresh tokens for subject+client: %w", err)
	}
	for _, hash := range hashes {
		transitioned, err := s.markRefreshRevoked(ctx, hash)
		if err != nil {
			return revoked, err
		}
		if transitioned {
			revoked++
		}
	}

	jtis, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.subjectAccessKey(subjectID, clientID)).Build(),
	).AsStrSlice()
	if err != nil && !isNilError(err) {
		return revoked, fmt.Errorf("failed to get access tokens for subject+client: %w", err)
	}
	for _, jti := range jtis {
		transitioned, err := s.markAccessRevoked(ctx, jti)
		if err != nil {
			return revoked, err
		}
		if transitioned {
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked all tokens for subject+client",
			"subject_id", safeTruncate(storage.HashToken(subjectID), hashLogLength),
			"client_id", clientID,
			"tokens_revoked", revoked)
	}

	return revoked, nil
}

// markAccessRevoked sets an access-token record's revoked flag, keeping the
// key's TTL. Reports whether a record transitioned.
func (s *Store) markAccessRevoked(ctx context.Context, jti string) (bool, error) {
	key := s.accessKey(jti)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get access token record: %w", err)
	}

	var j accessJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return false, fmt.Errorf("failed to unmarshal access token record: %w", err)
	}

	if j.Revoked {
		return false, nil
	}

	j.Revoked = true
	updated, err := json.Marshal(&j)
	if err != nil {
		return false, fmt.Errorf("failed to marshal access token record: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(updated)).Keepttl().Build(),
	).Error(); err != nil {
		return false, fmt.Errorf("failed to save revoked access record: %w", err)
	}

	return true, nil
}
