// Package token owns the live agent OAuth credential: it hands out valid
// access tokens, refreshing them against the provider when they near
// expiry, and persists rotations through the token store.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/spritehub/spritehub/internal/common/config"
	apperrors "github.com/spritehub/spritehub/internal/common/errors"
	"github.com/spritehub/spritehub/internal/common/logger"
	"github.com/spritehub/spritehub/internal/store"
)

// ErrNoToken is returned when neither the store nor the configured
// fallback provides a credential.
var ErrNoToken = errors.New("no agent OAuth token configured")

// refreshTimeout bounds one refresh round trip.
const refreshTimeout = 30 * time.Second

// SeedOptions carries optional metadata for Seed.
type SeedOptions struct {
	Scopes           []string
	SubscriptionTier string
}

// Manager is the singleton owner of the agent OAuth state. At most one
// refresh is in flight at a time; concurrent callers share its result.
type Manager struct {
	store store.TokenStore
	cfg   config.OAuthConfig
	http  *http.Client
	log   *logger.Logger

	group singleflight.Group

	mu      sync.RWMutex
	current *store.OAuthToken
}

// NewManager creates a token manager backed by the given store.
func NewManager(st store.TokenStore, cfg config.OAuthConfig, log *logger.Logger) *Manager {
	return &Manager{
		store: st,
		cfg:   cfg,
		http:  &http.Client{Timeout: refreshTimeout},
		log:   log.WithFields(zap.String("component", "token_manager")),
	}
}

// GetAccessToken returns a currently valid access token, refreshing
// synchronously if the stored one is expired or inside the refresh
// buffer. Falls back to the configured static token when the store holds
// no credential.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	tok, err := m.load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoToken) && m.cfg.FallbackAccessToken != "" {
			return m.cfg.FallbackAccessToken, nil
		}
		return "", err
	}

	if m.valid(tok) {
		return tok.AccessToken, nil
	}
	return m.refresh(ctx, false)
}

// ForceRefresh refreshes unconditionally and returns the new access token.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	if _, err := m.load(ctx); err != nil {
		return "", err
	}
	return m.refresh(ctx, true)
}

// Seed upserts the singleton credential, replacing whatever is stored.
func (m *Manager) Seed(ctx context.Context, access, refresh string, expiresAtUnixMS int64, opts SeedOptions) error {
	tok := &store.OAuthToken{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresAt:        time.UnixMilli(expiresAtUnixMS).UTC(),
		Scopes:           opts.Scopes,
		SubscriptionTier: opts.SubscriptionTier,
	}
	if err := m.store.UpsertOAuthToken(ctx, tok); err != nil {
		return fmt.Errorf("failed to persist seeded token: %w", err)
	}

	m.mu.Lock()
	m.current = tok
	m.mu.Unlock()

	m.log.Info("oauth token seeded", zap.Time("expires_at", tok.ExpiresAt))
	return nil
}

// valid reports whether the token is usable beyond the refresh buffer.
func (m *Manager) valid(tok *store.OAuthToken) bool {
	return time.Until(tok.ExpiresAt) > m.cfg.RefreshBufferDuration()
}

// load returns the cached credential, reading through to the store on
// first use.
func (m *Manager) load(ctx context.Context) (*store.OAuthToken, error) {
	m.mu.RLock()
	tok := m.current
	m.mu.RUnlock()
	if tok != nil {
		return tok, nil
	}

	tok, err := m.store.GetOAuthToken(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("failed to load oauth token: %w", err)
	}

	m.mu.Lock()
	m.current = tok
	m.mu.Unlock()
	return tok, nil
}

// refresh runs the provider refresh exchange. Concurrent callers are
// collapsed into one flight; all receive the same result.
func (m *Manager) refresh(ctx context.Context, force bool) (string, error) {
	access, err, _ := m.group.Do("refresh", func() (any, error) {
		// Another flight may have refreshed while this caller queued.
		m.mu.RLock()
		tok := m.current
		m.mu.RUnlock()
		if tok == nil {
			return nil, ErrNoToken
		}
		if !force && m.valid(tok) {
			return tok.AccessToken, nil
		}
		if tok.RefreshToken == "" {
			return nil, apperrors.WithCode(apperrors.ErrCodeRefreshFailed, "stored token has no refresh token", nil)
		}
		return m.doRefresh(ctx, tok)
	})
	if err != nil {
		return "", err
	}
	return access.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context, old *store.OAuthToken) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	resp, err := m.exchange(ctx, old.RefreshToken)
	if err != nil {
		m.log.Warn("token refresh failed, retrying once", zap.Error(err))
		resp, err = m.exchange(ctx, old.RefreshToken)
	}
	if err != nil {
		return "", apperrors.WithCode(apperrors.ErrCodeRefreshFailed, "oauth refresh failed", err)
	}

	next := &store.OAuthToken{
		UserID:           old.UserID,
		AccessToken:      resp.AccessToken,
		RefreshToken:     old.RefreshToken,
		ExpiresAt:        time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC(),
		Scopes:           old.Scopes,
		SubscriptionTier: old.SubscriptionTier,
	}
	// Token rotation: the provider may hand back a replacement.
	if resp.RefreshToken != "" {
		next.RefreshToken = resp.RefreshToken
	}
	if resp.Scope != "" {
		next.Scopes = strings.Fields(resp.Scope)
	}

	// Persist before returning. A store outage must not stall the agent,
	// so a failed write downgrades to a warning.
	if err := m.store.UpsertOAuthToken(ctx, next); err != nil {
		m.log.Warn("failed to persist refreshed token, continuing with in-memory token", zap.Error(err))
	}

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()

	m.log.Info("oauth token refreshed",
		zap.Time("expires_at", next.ExpiresAt),
		zap.Bool("rotated", resp.RefreshToken != ""))
	return next.AccessToken, nil
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (m *Manager) exchange(ctx context.Context, refreshToken string) (*refreshResponse, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     m.cfg.ClientID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned empty access_token")
	}
	return &parsed, nil
}
