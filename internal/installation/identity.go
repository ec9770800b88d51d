package installation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/carbscan/internal/kvstore"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	defaultIdentityURL    = "https://identitytoolkit.googleapis.com/v1"
	defaultSecureTokenURL = "https://securetoken.googleapis.com/v1"

	keyIdentityUserID       = "identity.user_id"
	keyIdentityRefreshToken = "identity.refresh_token"

	// Refresh a little before the server-side expiry.
	tokenExpiryLeeway = time.Minute
)

// IdentityConfig configures anonymous sign-in against the identity service.
type IdentityConfig struct {
	APIKey         string
	IdentityURL    string // accounts:signUp endpoint base
	SecureTokenURL string // token refresh endpoint base
	HTTPClient     *http.Client
}

// Identity yields the anonymous user id the install anchor is keyed by.
type Identity interface {
	UserID(ctx context.Context) (string, error)
}

// AnonymousTokenSource signs up an anonymous user once and refreshes its ID
// token afterwards. The user id and refresh token persist in the kv store,
// so the same identity is reused across restarts.
type AnonymousTokenSource struct {
	ctx    context.Context
	cfg    IdentityConfig
	kv     kvstore.KV
	client *http.Client
	mu     sync.Mutex
}

// NewAnonymousTokenSource creates the raw (uncached) token source. ctx bounds
// every token request the source makes.
func NewAnonymousTokenSource(ctx context.Context, cfg IdentityConfig, kv kvstore.KV) *AnonymousTokenSource {
	if cfg.IdentityURL == "" {
		cfg.IdentityURL = defaultIdentityURL
	}
	if cfg.SecureTokenURL == "" {
		cfg.SecureTokenURL = defaultSecureTokenURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &AnonymousTokenSource{ctx: ctx, cfg: cfg, kv: kv, client: client}
}

type signUpResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type identityError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Token implements oauth2.TokenSource.
func (s *AnonymousTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refreshToken, ok, err := s.kv.Get(keyIdentityRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if ok && refreshToken != "" {
		return s.refresh(refreshToken)
	}
	return s.signUp()
}

func (s *AnonymousTokenSource) signUp() (*oauth2.Token, error) {
	endpoint := fmt.Sprintf("%s/accounts:signUp?key=%s", strings.TrimRight(s.cfg.IdentityURL, "/"), url.QueryEscape(s.cfg.APIKey))
	body, err := json.Marshal(map[string]bool{"returnSecureToken": true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sign-up request: %w", err)
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create sign-up request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp signUpResponse
	if err := s.do(req, &resp); err != nil {
		return nil, fmt.Errorf("anonymous sign-up: %w", err)
	}
	if resp.LocalID == "" || resp.IDToken == "" {
		return nil, fmt.Errorf("anonymous sign-up: incomplete response")
	}

	if err := s.kv.SetMany(map[string]string{
		keyIdentityUserID:       resp.LocalID,
		keyIdentityRefreshToken: resp.RefreshToken,
	}); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}

	log.Info().Str("user_id", resp.LocalID).Msg("Created anonymous identity")
	return buildToken(resp.IDToken, resp.RefreshToken, resp.ExpiresIn, resp.LocalID), nil
}

// refresh never falls back to a fresh sign-up: a new identity would carry
// no install anchor and would restart the trial.
func (s *AnonymousTokenSource) refresh(refreshToken string) (*oauth2.Token, error) {
	endpoint := fmt.Sprintf("%s/token?key=%s", strings.TrimRight(s.cfg.SecureTokenURL, "/"), url.QueryEscape(s.cfg.APIKey))
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp refreshResponse
	if err := s.do(req, &resp); err != nil {
		return nil, fmt.Errorf("refresh identity token: %w", err)
	}

	userID := resp.UserID
	if userID == "" {
		userID, _, _ = s.kv.Get(keyIdentityUserID)
	}
	if resp.RefreshToken != "" && resp.RefreshToken != refreshToken {
		if err := s.kv.Set(keyIdentityRefreshToken, resp.RefreshToken); err != nil {
			log.Warn().Err(err).Msg("Failed to persist rotated refresh token")
		}
	}
	return buildToken(resp.IDToken, resp.RefreshToken, resp.ExpiresIn, userID), nil
}

func (s *AnonymousTokenSource) do(req *http.Request, out interface{}) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp identityError
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return fmt.Errorf("identity API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return fmt.Errorf("identity API error (%d): %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func buildToken(idToken, refreshToken, expiresIn, userID string) *oauth2.Token {
	seconds, err := strconv.Atoi(expiresIn)
	if err != nil || seconds <= 0 {
		seconds = 3600
	}
	expiry := time.Now().Add(time.Duration(seconds)*time.Second - tokenExpiryLeeway)
	tok := &oauth2.Token{
		AccessToken:  idToken,
		TokenType:    "Bearer",
		RefreshToken: refreshToken,
		Expiry:       expiry,
	}
	return tok.WithExtra(map[string]interface{}{"user_id": userID})
}

// AnonymousIdentity exposes the user id of a cached anonymous token source.
type AnonymousIdentity struct {
	ts oauth2.TokenSource
}

// NewAnonymousIdentity wraps src in a reusing cache.
func NewAnonymousIdentity(src oauth2.TokenSource) *AnonymousIdentity {
	return &AnonymousIdentity{ts: oauth2.ReuseTokenSource(nil, src)}
}

// TokenSource returns the cached token source for authenticated clients.
func (a *AnonymousIdentity) TokenSource() oauth2.TokenSource {
	return a.ts
}

// UserID returns the anonymous user id, signing up on first use.
func (a *AnonymousIdentity) UserID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := a.ts.Token()
	if err != nil {
		return "", err
	}
	userID, _ := tok.Extra("user_id").(string)
	if userID == "" {
		return "", fmt.Errorf("identity token carries no user id")
	}
	return userID, nil
}
