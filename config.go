package docmcp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultTokenStoreFileName is the durable user-token store under the config directory.
	DefaultTokenStoreFileName = "tokens.pem"
)

const (
	// DefaultListen is the default TCP endpoint for the streamable HTTP transport.
	DefaultListen = "127.0.0.1:19351"
	// DefaultMCPPath is the HTTP path serving the MCP endpoint.
	DefaultMCPPath = "/mcp"
	// DefaultBaseURL points the gateway at the vendor's public API host.
	DefaultBaseURL = "https://open.larksuite.com"
	// DefaultMetricsListen is the Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultMaxBlockBatch is the vendor's per-call ceiling for block insertion.
	DefaultMaxBlockBatch = 50
	// DefaultCacheCapacity bounds the credential cache entry count.
	DefaultCacheCapacity = 128
	// DefaultCacheSweepInterval drives proactive expiry sweeps of the credential cache.
	DefaultCacheSweepInterval = 60 * time.Second
	// DefaultKeepAliveInterval paces liveness pings to streaming sessions.
	// Shorter than typical intermediary idle timeouts (30s and up).
	DefaultKeepAliveInterval = 25 * time.Second
	// DefaultTokenSafetyMargin is subtracted from vendor-reported tenant token lifetimes.
	DefaultTokenSafetyMargin = 5 * time.Minute
	// DefaultTokenMaxLifetime caps cached tenant token lifetimes against clock skew.
	DefaultTokenMaxLifetime = 2 * time.Hour
	// DefaultHTTPTimeout bounds individual vendor API calls.
	DefaultHTTPTimeout = 30 * time.Second
	// DefaultUploadMaxBytes bounds image uploads when not configured.
	DefaultUploadMaxBytes = int64(10 << 20)
	// DefaultShutdownTimeout caps HTTP server shutdown at process exit.
	DefaultShutdownTimeout = 10 * time.Second
)

// AuthMode selects which credential class authenticates vendor API calls.
type AuthMode string

const (
	// AuthModeTenant uses the service-wide tenant token (client credentials).
	AuthModeTenant AuthMode = "tenant"
	// AuthModeUser uses per-end-user OAuth tokens and may require interactive
	// authorization before calls succeed.
	AuthModeUser AuthMode = "user"
)

// TransportStdio and TransportHTTP name the two supported MCP transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Config carries every runtime knob shared by the gateway, the token
// manager, and the MCP server.
type Config struct {
	// AppID and AppSecret are the vendor application credentials.
	AppID     string
	AppSecret string
	// AuthMode selects tenant or user authentication for document calls.
	AuthMode AuthMode
	// BaseURL overrides the vendor API host.
	BaseURL string
	// RedirectURI is the OAuth callback registered with the vendor,
	// required in user auth mode.
	RedirectURI string

	// Transport is "stdio" or "http".
	Transport string
	// Listen is the HTTP listen address (http transport only).
	Listen string
	// MCPPath is the HTTP path serving MCP (http transport only).
	MCPPath string
	// MetricsListen enables a Prometheus scrape endpoint when non-empty.
	MetricsListen string

	// TokenStorePath locates the encrypted durable user-token store.
	TokenStorePath string
	// WatchTokenStore reloads the store when another process rewrites it.
	WatchTokenStore bool

	// CacheDisabled switches the credential cache into pass-through mode.
	CacheDisabled bool
	// CacheCapacity bounds credential cache entries (oldest evicted first).
	CacheCapacity int
	// CacheSweepInterval drives the proactive expiry sweep.
	CacheSweepInterval time.Duration

	// KeepAliveInterval paces session liveness pings.
	KeepAliveInterval time.Duration
	// MaxBlockBatch caps blocks per vendor insert call.
	MaxBlockBatch int
	// HTTPTimeout bounds individual vendor API calls.
	HTTPTimeout time.Duration
	// UploadMaxBytes rejects image uploads larger than this.
	UploadMaxBytes int64
}

// ApplyDefaults fills zero-valued fields with package defaults.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(string(c.AuthMode)) == "" {
		c.AuthMode = AuthModeTenant
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(c.Transport) == "" {
		c.Transport = TransportStdio
	}
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.MCPPath) == "" {
		c.MCPPath = DefaultMCPPath
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	if c.CacheSweepInterval <= 0 {
		c.CacheSweepInterval = DefaultCacheSweepInterval
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.MaxBlockBatch <= 0 {
		c.MaxBlockBatch = DefaultMaxBlockBatch
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.UploadMaxBytes <= 0 {
		c.UploadMaxBytes = DefaultUploadMaxBytes
	}
}

// Validate reports configuration errors after defaults have been applied.
func (c Config) Validate() error {
	if strings.TrimSpace(c.AppID) == "" {
		return fmt.Errorf("app id required")
	}
	if strings.TrimSpace(c.AppSecret) == "" {
		return fmt.Errorf("app secret required")
	}
	switch c.AuthMode {
	case AuthModeTenant:
	case AuthModeUser:
		if strings.TrimSpace(c.RedirectURI) == "" {
			return fmt.Errorf("redirect uri required in user auth mode")
		}
	default:
		return fmt.Errorf("invalid auth mode %q (expected tenant|user)", c.AuthMode)
	}
	switch strings.TrimSpace(c.Transport) {
	case TransportStdio:
	case TransportHTTP:
		if strings.TrimSpace(c.Listen) == "" {
			return fmt.Errorf("listen address required for http transport")
		}
	default:
		return fmt.Errorf("invalid transport %q (expected stdio|http)", c.Transport)
	}
	return nil
}

// DefaultConfigDir resolves the docmcp configuration directory.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DOCMCP_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".docmcp"), nil
}

// DefaultTokenStorePath returns the default durable token store location.
func DefaultTokenStorePath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultTokenStoreFileName), nil
}
