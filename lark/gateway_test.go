package lark

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/docmcp"
	"pkt.systems/docmcp/internal/cache"
	"pkt.systems/docmcp/internal/clock"
)

// staleTokenVendor issues a fresh tenant token on every fetch and rejects
// API calls made with any token other than the latest one.
type staleTokenVendor struct {
	tokenFetches int64
	apiCalls     int64
	alwaysReject bool
}

func (v *staleTokenVendor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(tenantTokenPath, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&v.tokenFetches, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":                0,
			"msg":                 "success",
			"tenant_access_token": tokenName(n),
			"expire":              7200,
		})
	})
	mux.HandleFunc("/open-apis/test/v1/widget", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&v.apiCalls, 1)
		current := tokenName(atomic.LoadInt64(&v.tokenFetches))
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if v.alwaysReject || presented != current {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": codeTenantTokenInvalid,
				"msg":  "tenant access token invalid",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"msg":  "success",
			"data": map[string]string{"widget": "ok"},
		})
	})
	return mux
}

func tokenName(n int64) string {
	return "tenant-token-" + string(rune('0'+n))
}

func newTestGateway(t *testing.T, server *httptest.Server, mode docmcp.AuthMode, onRetry func()) (*Gateway, *TokenManager) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	c := cache.New[CredentialEntry](cache.Options{Clock: clk})
	mgr, err := NewTokenManager(TokenManagerConfig{
		AppID:      "cli_test_app",
		AppSecret:  "supersecret",
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		Cache:      c,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}
	gw, err := NewGateway(GatewayConfig{
		BaseURL:     server.URL,
		AuthMode:    mode,
		Tokens:      mgr,
		HTTPClient:  server.Client(),
		OnAuthRetry: onRetry,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw, mgr
}

func TestCallRetriesOnceOnStaleTenantToken(t *testing.T) {
	t.Parallel()
	vendor := &staleTokenVendor{}
	server := httptest.NewServer(vendor.handler())
	defer server.Close()

	var retries int64
	gw, mgr := newTestGateway(t, server, docmcp.AuthModeTenant, func() { atomic.AddInt64(&retries, 1) })

	// Prime the cache, then rotate server-side so the cached token goes
	// stale without the cache noticing.
	if _, err := mgr.TenantToken(context.Background()); err != nil {
		t.Fatalf("prime tenant token: %v", err)
	}
	rotate, err := server.Client().Post(server.URL+tenantTokenPath, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("rotate vendor token: %v", err)
	}
	rotate.Body.Close()

	data, err := gw.Call(context.Background(), http.MethodGet, "/open-apis/test/v1/widget", nil, nil)
	if err != nil {
		t.Fatalf("call with stale token must recover: %v", err)
	}
	var payload struct {
		Widget string `json:"widget"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Widget != "ok" {
		t.Fatalf("unexpected payload %s err=%v", data, err)
	}
	if atomic.LoadInt64(&retries) != 1 {
		t.Fatalf("expected exactly one retry, got %d", retries)
	}
	if calls := atomic.LoadInt64(&vendor.apiCalls); calls != 2 {
		t.Fatalf("expected original + retry, got %d api calls", calls)
	}
}

func TestCallSecondRejectionPropagates(t *testing.T) {
	t.Parallel()
	vendor := &staleTokenVendor{alwaysReject: true}
	server := httptest.NewServer(vendor.handler())
	defer server.Close()

	gw, _ := newTestGateway(t, server, docmcp.AuthModeTenant, nil)

	_, err := gw.Call(context.Background(), http.MethodGet, "/open-apis/test/v1/widget", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if !apiErr.TokenInvalid() || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if calls := atomic.LoadInt64(&vendor.apiCalls); calls != 2 {
		t.Fatalf("exactly one retry allowed, got %d api calls", calls)
	}
	if fetches := atomic.LoadInt64(&vendor.tokenFetches); fetches != 2 {
		t.Fatalf("expected a fresh token for the retry, got %d fetches", fetches)
	}
}

func TestCallUserModeSurfacesAuthorizationRequired(t *testing.T) {
	t.Parallel()
	vendor := &staleTokenVendor{}
	server := httptest.NewServer(vendor.handler())
	defer server.Close()

	gw, _ := newTestGateway(t, server, docmcp.AuthModeUser, nil)

	_, err := gw.Call(context.Background(), http.MethodGet, "/open-apis/test/v1/widget", nil, nil)
	var authReq *AuthorizationRequiredError
	if !errors.As(err, &authReq) {
		t.Fatalf("expected *AuthorizationRequiredError, got %v", err)
	}
	if authReq.Request.URL == "" || authReq.Request.State == "" {
		t.Fatalf("authorization request incomplete: %+v", authReq.Request)
	}
	if calls := atomic.LoadInt64(&vendor.apiCalls); calls != 0 {
		t.Fatalf("no api call may be made without a user token, got %d", calls)
	}
}

func TestCallDecodesVendorEnvelopeErrors(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc(tenantTokenPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "tenant_access_token": "t", "expire": 7200,
		})
	})
	mux.HandleFunc("/open-apis/test/v1/widget", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Tt-Logid", "log-123")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 1770002, "msg": "document not found",
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	gw, _ := newTestGateway(t, server, docmcp.AuthModeTenant, nil)

	_, err := gw.Call(context.Background(), http.MethodGet, "/open-apis/test/v1/widget", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != 1770002 || apiErr.LogID != "log-123" || apiErr.TokenInvalid() {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}
