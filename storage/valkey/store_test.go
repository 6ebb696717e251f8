package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/tidegate/oauth-idp/internal/testutil"
	"github.com/tidegate/oauth-idp/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests are skipped if no Valkey is reachable (set VALKEY_TEST_ADDR to
// override the default localhost:6379). Each test gets a unique prefix for
// isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("oauthtest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all keys under the test prefix
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error for missing address")
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Config{Address: "invalid-host-that-does-not-exist:1"})
	if err == nil {
		t.Fatal("expected error for unreachable address")
	}
}

func TestClientStore_SaveAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := testutil.NewConfidentialClient()
	client.AccessTokenTTL = 30 * time.Minute

	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientID != client.ClientID || got.ClientType != client.ClientType {
		t.Errorf("got %+v, want %+v", got, client)
	}
	if got.AccessTokenTTL != 30*time.Minute {
		t.Errorf("AccessTokenTTL = %v, want 30m", got.AccessTokenTTL)
	}
	if len(got.RedirectURIs) != 1 || got.RedirectURIs[0] != client.RedirectURIs[0] {
		t.Errorf("RedirectURIs = %v", got.RedirectURIs)
	}
	if !got.RequirePKCE {
		t.Error("RequirePKCE not preserved")
	}
}

func TestClientStore_GetNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetClient(context.Background(), "nonexistent")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("error = %v, want ErrClientNotFound", err)
	}
}

func TestClientStore_Delete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := testutil.NewPublicClient()
	testutil.AssertNoError(t, s.SaveClient(ctx, client))
	testutil.AssertNoError(t, s.DeleteClient(ctx, client.ClientID))

	if _, err := s.GetClient(ctx, client.ClientID); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("error after delete = %v, want ErrClientNotFound", err)
	}
}

func TestClientStore_List(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	testutil.AssertNoError(t, s.SaveClient(ctx, testutil.NewConfidentialClient()))
	testutil.AssertNoError(t, s.SaveClient(ctx, testutil.NewPublicClient()))

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 2 {
		t.Errorf("len(clients) = %d, want 2", len(clients))
	}
}

func TestFlowStore_SaveAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	flow := testutil.NewAuthorizationFlow(testutil.NewPublicClient(), "challenge")
	flow.Nonce = "nonce-1"

	if err := s.SaveFlow(ctx, flow); err != nil {
		t.Fatalf("SaveFlow() error = %v", err)
	}

	got, err := s.GetFlow(ctx, flow.FlowID)
	if err != nil {
		t.Fatalf("GetFlow() error = %v", err)
	}
	if got.State != storage.FlowStateReceived {
		t.Errorf("State = %q, want received", got.State)
	}
	if got.ClientState != flow.ClientState || got.Nonce != "nonce-1" {
		t.Errorf("flow fields not preserved: %+v", got)
	}
}

func TestFlowStore_SaveOverwritesAdvancesState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	flow := testutil.NewAuthorizationFlow(testutil.NewPublicClient(), "challenge")
	testutil.AssertNoError(t, s.SaveFlow(ctx, flow))

	flow.State = storage.FlowStateConsentPending
	flow.SubjectID = "subject-1"
	testutil.AssertNoError(t, s.SaveFlow(ctx, flow))

	got, err := s.GetFlow(ctx, flow.FlowID)
	testutil.AssertNoError(t, err)
	if got.State != storage.FlowStateConsentPending || got.SubjectID != "subject-1" {
		t.Errorf("state not advanced: %+v", got)
	}
}

func TestFlowStore_GetNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetFlow(context.Background(), "nonexistent")
	if !errors.Is(err, storage.ErrFlowNotFound) {
		t.Errorf("error = %v, want ErrFlowNotFound", err)
	}
}

func TestFlowStore_SaveExpiredFlowFails(t *testing.T) {
	s := testStore(t)

	flow := testutil.NewAuthorizationFlow(testutil.NewPublicClient(), "challenge")
	flow.ExpiresAt = time.Now().Add(-time.Minute)

	if err := s.SaveFlow(context.Background(), flow); err == nil {
		t.Error("expected error saving expired flow")
	}
}

func TestFlowStore_AtomicIncrementAuthAttempts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	flow := testutil.NewAuthorizationFlow(testutil.NewPublicClient(), "challenge")
	testutil.AssertNoError(t, s.SaveFlow(ctx, flow))

	for want := 1; want <= 3; want++ {
		got, err := s.AtomicIncrementAuthAttempts(ctx, flow.FlowID)
		if err != nil {
			t.Fatalf("AtomicIncrementAuthAttempts() error = %v", err)
		}
		if got != want {
			t.Errorf("attempts = %d, want %d", got, want)
		}
	}

	stored, err := s.GetFlow(ctx, flow.FlowID)
	testutil.AssertNoError(t, err)
	if stored.AuthAttempts != 3 {
		t.Errorf("stored AuthAttempts = %d, want 3", stored.AuthAttempts)
	}
	if stored.State != storage.FlowStateAuthenticating {
		t.Errorf("State = %q, want authenticating", stored.State)
	}

	if _, err := s.AtomicIncrementAuthAttempts(ctx, "nonexistent"); !errors.Is(err, storage.ErrFlowNotFound) {
		t.Errorf("unknown flow error = %v, want ErrFlowNotFound", err)
	}
}

func TestFlowStore_AtomicConsumeAuthorizationCode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := testutil.NewAuthorizationCode(testutil.NewPublicClient(), "subject-1", "challenge")
	testutil.AssertNoError(t, s.SaveAuthorizationCode(ctx, code))

	// First consume succeeds
	got, err := s.AtomicConsumeAuthorizationCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("first consume error = %v", err)
	}
	if !got.Consumed {
		t.Error("returned record should be marked consumed")
	}
	if got.SubjectID != "subject-1" || got.CodeChallenge != "challenge" {
		t.Errorf("record fields not preserved: %+v", got)
	}

	// Second consume is a replay; the record comes back for revocation
	replayed, err := s.AtomicConsumeAuthorizationCode(ctx, code.Code)
	if !errors.Is(err, storage.ErrCodeConsumed) {
		t.Fatalf("replay error = %v, want ErrCodeConsumed", err)
	}
	if replayed == nil || replayed.SubjectID != "subject-1" {
		t.Errorf("replay should return the consumed record, got %+v", replayed)
	}
}

func TestFlowStore_AtomicConsume_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.AtomicConsumeAuthorizationCode(context.Background(), "nonexistent")
	if !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("error = %v, want ErrCodeNotFound", err)
	}
}

func TestConsentStore_SaveGetDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	consent := &storage.Consent{
		SubjectID: "subject-1",
		ClientID:  "client-1",
		Scopes:    []string{"openid", "email"},
		GrantedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	testutil.AssertNoError(t, s.SaveConsent(ctx, consent))

	got, err := s.GetConsent(ctx, "subject-1", "client-1")
	testutil.AssertNoError(t, err)
	if !got.Covers([]string{"openid", "email"}) {
		t.Errorf("consent scopes not preserved: %v", got.Scopes)
	}
	if got.Covers([]string{"profile"}) {
		t.Error("consent should not cover ungranted scope")
	}

	testutil.AssertNoError(t, s.DeleteConsent(ctx, "subject-1", "client-1"))
	if _, err := s.GetConsent(ctx, "subject-1", "client-1"); !errors.Is(err, storage.ErrConsentNotFound) {
		t.Errorf("error after delete = %v, want ErrConsentNotFound", err)
	}
}

func TestConsentStore_GetNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetConsent(context.Background(), "nobody", "no-client")
	if !errors.Is(err, storage.ErrConsentNotFound) {
		t.Errorf("error = %v, want ErrConsentNotFound", err)
	}
}
