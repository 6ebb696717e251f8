package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidegate/oauth-idp/security"
	"github.com/tidegate/oauth-idp/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveFlow persists an authorization flow with a TTL matching its expiry.
// Saving an existing flow ID overwrites the record; the flow logic uses this
// to advance the state.
func (s *Store) SaveFlow(ctx context.Context, flow *storage.AuthorizationFlow) error {
	if flow == nil || flow.FlowID == "" {
		return fmt.Errorf("invalid authorization flow")
	}

	data, err := json.Marshal(toFlowJSON(flow))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization flow: %w", err)
	}

	ttl := calculateTTL(flow.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization flow already expired")
	}

	key := s.flowKey(flow.FlowID)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization flow: %w", err)
	}

	s.logger.Debug("Saved authorization flow",
		"flow_id", safeTruncate(flow.FlowID, hashLogLength),
		"state", flow.State)
	return nil
}

// GetFlow retrieves an authorization flow by its server-generated ID
func (s *Store) GetFlow(ctx context.Context, flowID string) (*storage.AuthorizationFlow, error) {
	flow, err := getAndUnmarshal(ctx, s, s.flowKey(flowID), storage.ErrFlowNotFound, fromFlowJSON)
	if err != nil {
		return nil, err
	}

	// TTL should handle expiry, but double-check with the clock skew grace
	// period the other backends use
	if security.IsTokenExpired(flow.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization flow expired", storage.ErrRecordExpired)
	}

	return flow, nil
}

// DeleteFlow removes an authorization flow
func (s *Store) DeleteFlow(ctx context.Context, flowID string) error {
	key := s.flowKey(flowID)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization flow: %w", err)
	}

	s.logger.Debug("Deleted authorization flow",
		"flow_id", safeTruncate(flowID, hashLogLength))
	return nil
}

// AtomicIncrementAuthAttempts atomically increments a flow's failed-attempt
// counter and moves the flow to the authenticating state.
//
// SECURITY: This operation is atomic via Lua script; concurrent failed logins
// each observe a distinct counter value.
func (s *Store) AtomicIncrementAuthAttempts(ctx context.Context, flowID string) (int, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrementAuthAttempts).
			Numkeys(1).
			Key(s.flowKey(flowID)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return 0, fmt.Errorf("failed to execute atomic attempt increment: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return 0, fmt.Errorf("%w: %s", storage.ErrFlowNotFound, safeTruncate(flowID, hashLogLength))
	case "EXPIRED":
		return 0, fmt.Errorf("%w: authorization flow expired", storage.ErrRecordExpired)
	}

	attempts, err := strconv.Atoi(result)
	if err != nil {
		return 0, fmt.Errorf("failed to parse attempt count: %w", err)
	}

	s.logger.Debug("Recorded failed authentication attempt",
		"flow_id", safeTruncate(flowID, hashLogLength),
		"attempts", attempts)
	return attempts, nil
}

// SaveAuthorizationCode saves an issued authorization code with a TTL
// matching its expiry
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	key := s.codeKey(code.Code)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, hashLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it.
// For code exchange use AtomicConsumeAuthorizationCode instead.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	record, err := getAndUnmarshal(ctx, s, s.codeKey(code), storage.ErrCodeNotFound, fromCodeJSON)
	if err != nil {
		return nil, err
	}

	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrRecordExpired)
	}

	return record, nil
}

// AtomicConsumeAuthorizationCode atomically checks that a code is unconsumed
// and marks it consumed.
//
// SECURITY: This operation is atomic via Lua script; only ONE concurrent
// exchange can succeed. The record is ONLY returned alongside ErrCodeConsumed
// so the caller can revoke everything derived from the first redemption; for
// not-found and expired, nil is returned to prevent information leakage.
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeAuthorizationCode).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consume: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrRecordExpired)
	case strings.HasPrefix(result, "CONSUMED:"):
		// Replay. The caller needs subject and client for lineage revocation.
		data := strings.TrimPrefix(result, "CONSUMED:")
		var j codeJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse consumed code", storage.ErrCodeConsumed)
		}
		return fromCodeJSON(&j), storage.ErrCodeConsumed
	}

	var j codeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", safeTruncate(code, hashLogLength))

	return fromCodeJSON(&j), nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	key := s.codeKey(code)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code")
	return nil
}
