package lark

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"pkt.systems/docmcp"
	"pkt.systems/docmcp/internal/cache"
	"pkt.systems/docmcp/internal/clock"
	"pkt.systems/docmcp/internal/svcfields"
	"pkt.systems/docmcp/internal/tokenstore"
	"pkt.systems/pslog"
)

const (
	tenantTokenPath = "/open-apis/auth/v3/tenant_access_token/internal"
	userTokenPath   = "/open-apis/authen/v2/oauth/token"
	authorizePath   = "/open-apis/authen/v1/authorize"

	tenantKeyPrefix = "token.tenant."
	userKeyPrefix   = "token.user."
)

// CredentialEntry is the cache value shared by both credential classes;
// exactly one field is set per entry.
type CredentialEntry struct {
	Tenant *tenantCredential
	User   *userCredential
}

type tenantCredential struct {
	Token     string
	ExpiresAt time.Time
}

type userCredential struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	Raw              json.RawMessage
}

// UserTokenResult is the user-path outcome. When Authorize is non-nil the
// caller must send the end user to the URL; that is normal control flow,
// not an error.
type UserTokenResult struct {
	AccessToken string
	ExpiresIn   int64
	Authorize   *AuthorizationRequest
}

// AuthorizationRequest carries the interactive OAuth redirect.
type AuthorizationRequest struct {
	URL   string
	State string
}

// TokenManagerConfig wires a TokenManager.
type TokenManagerConfig struct {
	AppID       string
	AppSecret   string
	RedirectURI string
	BaseURL     string

	// SafetyMargin is subtracted from vendor tenant lifetimes before
	// caching; MaxLifetime caps them against clock skew.
	SafetyMargin time.Duration
	MaxLifetime  time.Duration

	HTTPClient *http.Client
	Cache      *cache.Cache[CredentialEntry]
	Store      *tokenstore.Store
	Clock      clock.Clock
	Logger     pslog.Logger

	// OnFetch is an optional telemetry callback (kind, outcome).
	OnFetch func(kind, outcome string)
}

// TokenManager owns acquisition, caching, refresh, and persistence of both
// credential classes for one (app id, app secret) pair. All methods are
// safe for concurrent use; concurrent tenant fetches for the same pair are
// collapsed into a single network call.
type TokenManager struct {
	cfg     TokenManagerConfig
	keyHash string
	cache   *cache.Cache[CredentialEntry]
	store   *tokenstore.Store
	clk     clock.Clock
	httpc   *http.Client
	logger  pslog.Logger
	group   singleflight.Group
}

// NewCredentialCache builds the cache a TokenManager expects, honoring the
// shared docmcp cache settings.
func NewCredentialCache(cfg docmcp.Config, clk clock.Clock, logger pslog.Logger, onHit, onMiss func()) *cache.Cache[CredentialEntry] {
	return cache.New[CredentialEntry](cache.Options{
		Capacity:      cfg.CacheCapacity,
		Disabled:      cfg.CacheDisabled,
		SweepInterval: cfg.CacheSweepInterval,
		Clock:         clk,
		Logger:        logger,
		OnHit:         onHit,
		OnMiss:        onMiss,
	})
}

// NewTokenManager constructs a manager, reloads persisted user tokens into
// the cache, and registers the persistence hook for future mutations.
func NewTokenManager(cfg TokenManagerConfig) (*TokenManager, error) {
	if strings.TrimSpace(cfg.AppID) == "" {
		return nil, fmt.Errorf("app id required")
	}
	if strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, fmt.Errorf("app secret required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = docmcp.DefaultBaseURL
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = docmcp.DefaultTokenSafetyMargin
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = docmcp.DefaultTokenMaxLifetime
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: docmcp.DefaultHTTPTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New[CredentialEntry](cache.Options{Clock: cfg.Clock, Logger: cfg.Logger})
	}

	sum := sha256.Sum256([]byte(cfg.AppID + ":" + cfg.AppSecret))
	m := &TokenManager{
		cfg:     cfg,
		keyHash: hex.EncodeToString(sum[:])[:16],
		cache:   cfg.Cache,
		store:   cfg.Store,
		clk:     cfg.Clock,
		httpc:   cfg.HTTPClient,
		logger:  svcfields.WithSubsystem(cfg.Logger, "lark.tokens"),
	}
	if m.store != nil {
		if err := m.reloadFromStore(); err != nil {
			return nil, err
		}
		m.cache.OnMutate(userKeyPrefix, m.persistUserTokens)
	}
	return m, nil
}

func (m *TokenManager) tenantKey() string { return tenantKeyPrefix + m.keyHash }
func (m *TokenManager) userKey() string   { return userKeyPrefix + m.keyHash }

// TenantToken returns a live tenant bearer token, fetching from the vendor
// token endpoint only on cache miss or expiry.
func (m *TokenManager) TenantToken(ctx context.Context) (string, error) {
	if entry, ok := m.cache.Get(m.tenantKey()); ok && entry.Tenant != nil {
		return entry.Tenant.Token, nil
	}
	v, err, _ := m.group.Do(m.tenantKey(), func() (any, error) {
		// Re-check under the flight: a concurrent caller may have already
		// populated the entry.
		if entry, ok := m.cache.Get(m.tenantKey()); ok && entry.Tenant != nil {
			return entry.Tenant.Token, nil
		}
		return m.fetchTenantToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// InvalidateTenantToken drops the cached tenant token; the gateway calls
// this when the vendor rejects a token the cache still considered live.
func (m *TokenManager) InvalidateTenantToken() {
	m.cache.Delete(m.tenantKey())
}

func (m *TokenManager) fetchTenantToken(ctx context.Context) (string, error) {
	var resp struct {
		Code              int64  `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int64  `json:"expire"`
	}
	err := m.postJSON(ctx, tenantTokenPath, map[string]string{
		"app_id":     m.cfg.AppID,
		"app_secret": m.cfg.AppSecret,
	}, &resp)
	if err != nil {
		m.fetchOutcome("tenant", "error")
		return "", err
	}
	if resp.Code != 0 {
		m.fetchOutcome("tenant", "error")
		return "", &AuthError{Code: resp.Code, Message: resp.Msg}
	}
	m.fetchOutcome("tenant", "ok")

	ttl := time.Duration(resp.Expire)*time.Second - m.cfg.SafetyMargin
	if ttl > m.cfg.MaxLifetime {
		ttl = m.cfg.MaxLifetime
	}
	if ttl <= 0 {
		ttl = time.Duration(resp.Expire) * time.Second / 2
	}
	now := m.clk.Now()
	m.cache.Set(m.tenantKey(), CredentialEntry{Tenant: &tenantCredential{
		Token:     resp.TenantAccessToken,
		ExpiresAt: now.Add(ttl),
	}}, ttl)
	m.logger.Debug("lark.token.tenant.fetched", "ttl", ttl)
	return resp.TenantAccessToken, nil
}

// UserToken resolves the user credential state machine: absent or
// refresh-expired entries yield an authorization request; a live access
// token is returned directly; an expired access token with a live refresh
// token is refreshed in place.
func (m *TokenManager) UserToken(ctx context.Context) (UserTokenResult, error) {
	entry, ok := m.cache.Get(m.userKey())
	if !ok || entry.User == nil {
		return m.authorizationResult(), nil
	}
	now := m.clk.Now()
	user := entry.User
	if user.AccessExpiresAt.After(now) {
		return UserTokenResult{
			AccessToken: user.AccessToken,
			ExpiresIn:   int64(user.AccessExpiresAt.Sub(now).Seconds()),
		}, nil
	}
	if !user.RefreshExpiresAt.After(now) {
		m.cache.Delete(m.userKey())
		m.logger.Info("lark.token.user.refresh_expired")
		return m.authorizationResult(), nil
	}
	return m.refreshUserToken(ctx, user.RefreshToken)
}

func (m *TokenManager) refreshUserToken(ctx context.Context, refreshToken string) (UserTokenResult, error) {
	resp, err := m.postUserGrant(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {m.cfg.AppID},
		"client_secret": {m.cfg.AppSecret},
		"refresh_token": {refreshToken},
	})
	if err != nil {
		m.fetchOutcome("refresh", "error")
		var authErr *AuthError
		if errors.As(err, &authErr) {
			// The vendor rejected the refresh token; a full re-auth is the
			// only way forward.
			m.cache.Delete(m.userKey())
			m.logger.Info("lark.token.user.refresh_rejected", "code", authErr.Code)
			return m.authorizationResult(), nil
		}
		return UserTokenResult{}, err
	}
	m.fetchOutcome("refresh", "ok")
	return m.storeUserGrant(resp), nil
}

// ExchangeCode completes the OAuth redirect: it trades the authorization
// code for access and refresh tokens, caches them, and persists them.
func (m *TokenManager) ExchangeCode(ctx context.Context, code, codeVerifier string) (UserTokenResult, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {m.cfg.AppID},
		"client_secret": {m.cfg.AppSecret},
		"code":          {code},
		"redirect_uri":  {m.cfg.RedirectURI},
	}
	if strings.TrimSpace(codeVerifier) != "" {
		form.Set("code_verifier", codeVerifier)
	}
	resp, err := m.postUserGrant(ctx, form)
	if err != nil {
		m.fetchOutcome("user", "error")
		return UserTokenResult{}, err
	}
	m.fetchOutcome("user", "ok")
	m.logger.Info("lark.token.user.authorized")
	return m.storeUserGrant(resp), nil
}

type userGrantResponse struct {
	Code                  int64  `json:"code"`
	Msg                   string `json:"msg"`
	ErrorDescription      string `json:"error_description"`
	AccessToken           string `json:"access_token"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshToken          string `json:"refresh_token"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
	Scope                 string `json:"scope"`
	TokenType             string `json:"token_type"`

	raw json.RawMessage
}

func (m *TokenManager) postUserGrant(ctx context.Context, form url.Values) (*userGrantResponse, error) {
	endpoint := m.cfg.BaseURL + userTokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpResp, err := m.httpc.Do(req)
	if err != nil {
		return nil, &AuthError{Code: -1, Message: err.Error()}
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &AuthError{Code: -1, Message: fmt.Sprintf("read token response: %v", err)}
	}
	var resp userGrantResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &AuthError{Code: -1, Message: fmt.Sprintf("decode token response: %v", err)}
	}
	if resp.Code != 0 {
		msg := resp.Msg
		if msg == "" {
			msg = resp.ErrorDescription
		}
		return nil, &AuthError{Code: resp.Code, Message: msg}
	}
	if resp.AccessToken == "" {
		return nil, &AuthError{Code: -1, Message: "token response missing access_token"}
	}
	resp.raw = json.RawMessage(append([]byte(nil), body...))
	return &resp, nil
}

func (m *TokenManager) storeUserGrant(resp *userGrantResponse) UserTokenResult {
	now := m.clk.Now()
	user := &userCredential{
		AccessToken:      resp.AccessToken,
		AccessExpiresAt:  now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		RefreshToken:     resp.RefreshToken,
		RefreshExpiresAt: now.Add(time.Duration(resp.RefreshTokenExpiresIn) * time.Second),
		Raw:              resp.raw,
	}
	// The cache TTL follows the refresh token, not the access token: the
	// entry must stay resolvable for refresh after the access token dies.
	ttl := user.RefreshExpiresAt.Sub(now)
	m.cache.Set(m.userKey(), CredentialEntry{User: user}, ttl)
	return UserTokenResult{
		AccessToken: user.AccessToken,
		ExpiresIn:   resp.ExpiresIn,
	}
}

func (m *TokenManager) authorizationResult() UserTokenResult {
	state := uuid.NewString()
	q := url.Values{
		"client_id":    {m.cfg.AppID},
		"redirect_uri": {m.cfg.RedirectURI},
		"state":        {state},
	}
	return UserTokenResult{Authorize: &AuthorizationRequest{
		URL:   m.cfg.BaseURL + authorizePath + "?" + q.Encode(),
		State: state,
	}}
}

func (m *TokenManager) postJSON(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpResp, err := m.httpc.Do(req)
	if err != nil {
		return &AuthError{Code: -1, Message: err.Error()}
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &AuthError{Code: -1, Message: fmt.Sprintf("read token response: %v", err)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &AuthError{Code: -1, Message: fmt.Sprintf("decode token response: %v", err)}
	}
	return nil
}

// persistUserTokens snapshots every cached user credential into the durable
// store. Runs from the cache mutation hook; errors are logged and swallowed
// upstream so they never fail token issuance.
func (m *TokenManager) persistUserTokens(string) error {
	snapshot := m.cache.Snapshot(userKeyPrefix)
	records := make(map[string]tokenstore.Record, len(snapshot))
	now := m.clk.Now()
	for key, entry := range snapshot {
		if entry.User == nil {
			continue
		}
		records[key] = tokenstore.Record{
			AccessToken:      entry.User.AccessToken,
			AccessExpiresAt:  entry.User.AccessExpiresAt,
			RefreshToken:     entry.User.RefreshToken,
			RefreshExpiresAt: entry.User.RefreshExpiresAt,
			Raw:              entry.User.Raw,
			UpdatedAt:        now,
		}
	}
	return m.store.WriteAll(records)
}

// reloadFromStore seeds the cache from the durable store, skipping entries
// whose refresh token already expired.
func (m *TokenManager) reloadFromStore() error {
	records, err := m.store.ReadAll()
	if err != nil {
		return fmt.Errorf("reload token store: %w", err)
	}
	now := m.clk.Now()
	loaded := 0
	for key, rec := range records {
		if !rec.RefreshExpiresAt.After(now) {
			continue
		}
		// Skip unchanged entries so a reload triggered by our own persisted
		// write does not re-mutate the cache and echo another write.
		if existing, ok := m.cache.Get(key); ok && existing.User != nil &&
			existing.User.AccessToken == rec.AccessToken &&
			existing.User.RefreshToken == rec.RefreshToken {
			continue
		}
		ttl := rec.RefreshExpiresAt.Sub(now)
		m.cache.Set(key, CredentialEntry{User: &userCredential{
			AccessToken:      rec.AccessToken,
			AccessExpiresAt:  rec.AccessExpiresAt,
			RefreshToken:     rec.RefreshToken,
			RefreshExpiresAt: rec.RefreshExpiresAt,
			Raw:              rec.Raw,
		}}, ttl)
		loaded++
	}
	if loaded > 0 {
		m.logger.Info("lark.token.store_reloaded", "entries", loaded)
	}
	return nil
}

// ReloadFromStore re-seeds the cache from disk; wired to the store watcher
// so tokens written by another process become visible here.
func (m *TokenManager) ReloadFromStore() error {
	return m.reloadFromStore()
}

func (m *TokenManager) fetchOutcome(kind, outcome string) {
	if m.cfg.OnFetch != nil {
		m.cfg.OnFetch(kind, outcome)
	}
}
