package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidegate/oauth-idp/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client. Client registrations have no TTL;
// they live until deleted by an administrator.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	if err := validateStringLength(client.ClientID, MaxIDLength, "clientID"); err != nil {
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	// Generic not-found error prevents client enumeration
	return getAndUnmarshal(ctx, s, s.clientKey(clientID), storage.ErrClientNotFound, fromClientJSON)
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	key := s.clientKey(clientID)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")

	// SCAN can return duplicates across iterations; deduplicate by key
	clientMap := make(map[string]*storage.Client)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			if _, exists := clientMap[key]; exists {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // deleted between SCAN and GET
				}
				return nil, fmt.Errorf("failed to get client %s: %w", key, err)
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal client, skipping",
					"key", key,
					"error", err)
				continue
			}

			clientMap[key] = fromClientJSON(&j)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	clients := make([]*storage.Client, 0, len(clientMap))
	for _, c := range clientMap {
		clients = append(clients, c)
	}

	return clients, nil
}
