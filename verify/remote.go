package verify

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tidegate/oauth-idp/keys"
)

const (
	// defaultJWKSCacheTTL is how long a fetched key set is trusted before
	// being refreshed in the background of a lookup
	defaultJWKSCacheTTL = time.Hour

	// minRefreshInterval bounds how often an unknown kid may trigger a
	// refetch. Without it, a flood of garbage tokens turns into a flood of
	// JWKS requests.
	minRefreshInterval = time.Minute

	// jwksFetchTimeout bounds a single JWKS fetch
	jwksFetchTimeout = 10 * time.Second
)

// RemoteKeys is a KeySource backed by a published JWKS endpoint. Keys are
// cached; an unknown kid triggers one refresh before the lookup fails, so
// key rotation on the server side is picked up without restarts.
type RemoteKeys struct {
	url        string
	httpClient *http.Client
	cacheTTL   time.Duration
	minRefresh time.Duration
	logger     *slog.Logger

	mu        sync.RWMutex
	cached    map[string]crypto.PublicKey
	fetchedAt time.Time
}

// NewRemoteKeys creates a KeySource for the JWKS at url.
func NewRemoteKeys(url string, logger *slog.Logger) (*RemoteKeys, error) {
	if url == "" {
		return nil, fmt.Errorf("JWKS URL cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteKeys{
		url:        url,
		httpClient: &http.Client{Timeout: jwksFetchTimeout},
		cacheTTL:   defaultJWKSCacheTTL,
		minRefresh: minRefreshInterval,
		logger:     logger,
		cached:     make(map[string]crypto.PublicKey),
	}, nil
}

// SetHTTPClient replaces the HTTP client (for custom TLS or test servers).
func (r *RemoteKeys) SetHTTPClient(client *http.Client) {
	r.httpClient = client
}

// SetCacheTTL overrides the default cache lifetime.
func (r *RemoteKeys) SetCacheTTL(ttl time.Duration) {
	if ttl > 0 {
		r.cacheTTL = ttl
	}
}

// SetMinRefreshInterval overrides how often an unknown kid may trigger a
// refetch. Lower values pick up rotations faster at the cost of more JWKS
// traffic under attack.
func (r *RemoteKeys) SetMinRefreshInterval(interval time.Duration) {
	if interval >= 0 {
		r.minRefresh = interval
	}
}

// Key implements KeySource. It serves from cache when possible and refreshes
// on stale cache or unknown kid before giving up.
func (r *RemoteKeys) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	r.mu.RLock()
	key, ok := r.cached[kid]
	stale := time.Since(r.fetchedAt) > r.cacheTTL
	fetchedAt := r.fetchedAt
	r.mu.RUnlock()

	if ok && !stale {
		return key, nil
	}

	// Unknown kid or stale cache: refresh, rate-limited so garbage tokens
	// cannot hammer the JWKS endpoint.
	if time.Since(fetchedAt) >= r.minRefresh || fetchedAt.IsZero() {
		if err := r.refresh(ctx); err != nil {
			// A failed refresh with a cache hit degrades gracefully.
			if ok {
				r.logger.Warn("JWKS refresh failed, serving cached key", "error", err)
				return key, nil
			}
			return nil, err
		}
	}

	r.mu.RLock()
	key, ok = r.cached[kid]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	return key, nil
}

func (r *RemoteKeys) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var set keys.JWKSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	fresh := make(map[string]crypto.PublicKey, len(set.Keys))
	for i := range set.Keys {
		jwk := &set.Keys[i]
		pub, err := jwk.PublicKey()
		if err != nil {
			// Skip keys we cannot use rather than failing the whole set.
			r.logger.Warn("Skipping unusable JWK", "kid", jwk.Kid, "error", err)
			continue
		}
		fresh[jwk.Kid] = pub
	}

	r.mu.Lock()
	r.cached = fresh
	r.fetchedAt = time.Now()
	r.mu.Unlock()

	r.logger.Debug("Refreshed JWKS cache", "keys", len(fresh), "url", r.url)
	return nil
}
