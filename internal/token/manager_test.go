package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spritehub/spritehub/internal/common/config"
	"github.com/spritehub/spritehub/internal/common/logger"
	"github.com/spritehub/spritehub/internal/store"
)

func newTestManager(t *testing.T, endpoint string) (*Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := config.OAuthConfig{
		TokenEndpoint: endpoint,
		ClientID:      "test-client",
		RefreshBuffer: 5,
	}
	return NewManager(st, cfg, logger.NewNop()), st
}

func seedStored(t *testing.T, st *store.MemoryStore, access, refresh string, expiresIn time.Duration) {
	t.Helper()
	err := st.UpsertOAuthToken(context.Background(), &store.OAuthToken{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(expiresIn).UTC(),
	})
	if err != nil {
		t.Fatalf("seed token: %v", err)
	}
}

func TestGetAccessTokenValid(t *testing.T) {
	m, st := newTestManager(t, "http://unused.invalid")
	seedStored(t, st, "valid-token", "refresh-1", time.Hour)

	got, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if got != "valid-token" {
		t.Errorf("token = %q", got)
	}
}

func TestGetAccessTokenRefreshesInsideBuffer(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-token",
			"refresh_token": "refresh-2",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	m, st := newTestManager(t, srv.URL)
	// Expires inside the 5 minute refresh buffer.
	seedStored(t, st, "stale-token", "refresh-1", time.Minute)

	got, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if got != "fresh-token" {
		t.Errorf("token = %q", got)
	}
	if gotBody["grant_type"] != "refresh_token" || gotBody["refresh_token"] != "refresh-1" || gotBody["client_id"] != "test-client" {
		t.Errorf("refresh request body = %v", gotBody)
	}

	// Rotation persisted.
	stored, err := st.GetOAuthToken(context.Background())
	if err != nil {
		t.Fatalf("GetOAuthToken: %v", err)
	}
	if stored.AccessToken != "fresh-token" || stored.RefreshToken != "refresh-2" {
		t.Errorf("stored token = %+v", stored)
	}
}

func TestRefreshRetriesOnceOnFailure(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "second-try",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	m, st := newTestManager(t, srv.URL)
	seedStored(t, st, "stale", "refresh-1", -time.Minute)

	got, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if got != "second-try" {
		t.Errorf("token = %q", got)
	}
	if calls != 2 {
		t.Errorf("endpoint calls = %d, want 2", calls)
	}

	// No rotation offered, prior refresh token kept.
	stored, _ := st.GetOAuthToken(context.Background())
	if stored.RefreshToken != "refresh-1" {
		t.Errorf("refresh token = %q", stored.RefreshToken)
	}
}

func TestRefreshFailureKeepsOldToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "revoked", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m, st := newTestManager(t, srv.URL)
	seedStored(t, st, "old-token", "refresh-1", -time.Minute)

	if _, err := m.GetAccessToken(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}

	stored, _ := st.GetOAuthToken(context.Background())
	if stored.AccessToken != "old-token" {
		t.Errorf("stored token mutated: %+v", stored)
	}
}

func TestConcurrentRefreshSingleFlight(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "shared",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	m, st := newTestManager(t, srv.URL)
	seedStored(t, st, "stale", "refresh-1", -time.Minute)
	if _, err := m.load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.GetAccessToken(context.Background())
			if err != nil {
				t.Errorf("GetAccessToken: %v", err)
				return
			}
			results[i] = tok
		}(i)
	}
	wg.Wait()

	for i, tok := range results {
		if tok != "shared" {
			t.Errorf("result %d = %q", i, tok)
		}
	}
	if calls != 1 {
		t.Errorf("endpoint calls = %d, want 1", calls)
	}
}

func TestForceRefreshIgnoresValidity(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "forced",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	m, st := newTestManager(t, srv.URL)
	seedStored(t, st, "still-valid", "refresh-1", time.Hour)

	got, err := m.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if got != "forced" || calls != 1 {
		t.Errorf("token = %q, calls = %d", got, calls)
	}
}

func TestFallbackTokenWhenStoreEmpty(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := config.OAuthConfig{
		TokenEndpoint:       "http://unused.invalid",
		FallbackAccessToken: "env-token",
		RefreshBuffer:       5,
	}
	m := NewManager(st, cfg, logger.NewNop())

	got, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if got != "env-token" {
		t.Errorf("token = %q", got)
	}
}

func TestNoTokenConfigured(t *testing.T) {
	m, _ := newTestManager(t, "http://unused.invalid")

	_, err := m.GetAccessToken(context.Background())
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
}

func TestSeed(t *testing.T) {
	m, st := newTestManager(t, "http://unused.invalid")

	expires := time.Now().Add(time.Hour).UnixMilli()
	err := m.Seed(context.Background(), "seeded", "seed-refresh", expires, SeedOptions{
		Scopes:           []string{"agent:run"},
		SubscriptionTier: "pro",
	})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}

	stored, err := st.GetOAuthToken(context.Background())
	if err != nil {
		t.Fatalf("GetOAuthToken: %v", err)
	}
	if stored.AccessToken != "seeded" || stored.SubscriptionTier != "pro" {
		t.Errorf("stored = %+v", stored)
	}

	got, err := m.GetAccessToken(context.Background())
	if err != nil || got != "seeded" {
		t.Errorf("GetAccessToken = %q, %v", got, err)
	}
}
