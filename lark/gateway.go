package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/xid"

	"pkt.systems/docmcp"
	"pkt.systems/docmcp/internal/svcfields"
	"pkt.systems/pslog"
)

// GatewayConfig wires a Gateway.
type GatewayConfig struct {
	BaseURL    string
	AuthMode   docmcp.AuthMode
	Tokens     *TokenManager
	HTTPClient *http.Client
	Logger     pslog.Logger
	// OnAuthRetry is an optional telemetry callback fired when a call is
	// silently retried after a stale tenant token.
	OnAuthRetry func()
}

// Gateway performs authenticated vendor API calls. A call that fails with
// a token-invalid rejection under tenant auth clears the cached token and
// retries exactly once with a fresh one; a second rejection propagates.
type Gateway struct {
	cfg    GatewayConfig
	httpc  *http.Client
	logger pslog.Logger
}

// NewGateway constructs a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token manager required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = docmcp.DefaultBaseURL
	}
	if strings.TrimSpace(string(cfg.AuthMode)) == "" {
		cfg.AuthMode = docmcp.AuthModeTenant
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: docmcp.DefaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Gateway{
		cfg:    cfg,
		httpc:  cfg.HTTPClient,
		logger: svcfields.WithSubsystem(cfg.Logger, "lark.gateway"),
	}, nil
}

// AuthMode reports which credential class authenticates calls.
func (g *Gateway) AuthMode() docmcp.AuthMode {
	return g.cfg.AuthMode
}

// Tokens exposes the token manager for auth-status style introspection.
func (g *Gateway) Tokens() *TokenManager {
	return g.cfg.Tokens
}

// Call performs one JSON API call and returns the envelope's data payload.
func (g *Gateway) Call(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}
	build := func() (*http.Request, error) {
		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.endpoint(path, query), reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json; charset=utf-8")
		}
		return req, nil
	}
	return g.do(ctx, method, path, build)
}

// Upload performs a multipart upload (image media) and returns the
// envelope's data payload. fields are written before the file part.
func (g *Gateway) Upload(ctx context.Context, path string, fields map[string]string, fileField, filename string, file []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("write multipart field %s: %w", key, err)
		}
	}
	part, err := writer.CreateFormFile(fileField, filename)
	if err != nil {
		return nil, fmt.Errorf("create multipart file part: %w", err)
	}
	if _, err := part.Write(file); err != nil {
		return nil, fmt.Errorf("write multipart file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finish multipart body: %w", err)
	}
	payload := buf.Bytes()

	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(path, nil), bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build upload request: %w", err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		return req, nil
	}
	return g.do(ctx, http.MethodPost, path, build)
}

func (g *Gateway) endpoint(path string, query url.Values) string {
	endpoint := g.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

func (g *Gateway) do(ctx context.Context, method, path string, build func() (*http.Request, error)) (json.RawMessage, error) {
	requestID := xid.New().String()
	data, err := g.doOnce(ctx, build, requestID)
	if err == nil {
		return data, nil
	}

	// Retry-on-401: only for tenant credentials the cache considered live.
	// User-token rejections surface immediately; the next UserToken call
	// drives refresh or re-authorization.
	var apiErr *APIError
	if g.cfg.AuthMode == docmcp.AuthModeTenant && errors.As(err, &apiErr) && apiErr.TokenInvalid() {
		g.cfg.Tokens.InvalidateTenantToken()
		if g.cfg.OnAuthRetry != nil {
			g.cfg.OnAuthRetry()
		}
		g.logger.Info("lark.api.retry_stale_token",
			"method", method,
			"path", path,
			"request_id", requestID,
			"code", apiErr.Code,
		)
		data, retryErr := g.doOnce(ctx, build, requestID)
		if retryErr != nil {
			return nil, retryErr
		}
		return data, nil
	}
	return nil, err
}

func (g *Gateway) doOnce(ctx context.Context, build func() (*http.Request, error), requestID string) (json.RawMessage, error) {
	token, err := g.bearerToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := build()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-Id", requestID)

	resp, err := g.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lark api call: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read lark api response: %w", err)
	}

	var envelope struct {
		Code int64           `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &APIError{
			Status:  resp.StatusCode,
			Code:    -1,
			Message: fmt.Sprintf("undecodable response: %v", err),
			LogID:   resp.Header.Get("X-Tt-Logid"),
		}
	}
	if resp.StatusCode >= 400 || envelope.Code != 0 {
		return nil, &APIError{
			Status:  resp.StatusCode,
			Code:    envelope.Code,
			Message: envelope.Msg,
			LogID:   resp.Header.Get("X-Tt-Logid"),
		}
	}
	g.logger.Debug("lark.api.call", "method", req.Method, "path", req.URL.Path, "request_id", requestID)
	return envelope.Data, nil
}

func (g *Gateway) bearerToken(ctx context.Context) (string, error) {
	switch g.cfg.AuthMode {
	case docmcp.AuthModeUser:
		result, err := g.cfg.Tokens.UserToken(ctx)
		if err != nil {
			return "", err
		}
		if result.Authorize != nil {
			return "", &AuthorizationRequiredError{Request: *result.Authorize}
		}
		return result.AccessToken, nil
	default:
		return g.cfg.Tokens.TenantToken(ctx)
	}
}
