package docmcp

import (
	"strings"
	"testing"
)

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	t.Parallel()
	cfg := Config{AppID: "cli_x", AppSecret: "y"}
	cfg.ApplyDefaults()
	if cfg.AuthMode != AuthModeTenant {
		t.Fatalf("expected tenant auth default, got %q", cfg.AuthMode)
	}
	if cfg.Transport != TransportStdio {
		t.Fatalf("expected stdio transport default, got %q", cfg.Transport)
	}
	if cfg.BaseURL != DefaultBaseURL || cfg.Listen != DefaultListen || cfg.MCPPath != DefaultMCPPath {
		t.Fatalf("endpoint defaults missing: %+v", cfg)
	}
	if cfg.MaxBlockBatch != DefaultMaxBlockBatch || cfg.CacheCapacity != DefaultCacheCapacity {
		t.Fatalf("limit defaults missing: %+v", cfg)
	}
	if cfg.UploadMaxBytes != DefaultUploadMaxBytes || cfg.HTTPTimeout != DefaultHTTPTimeout {
		t.Fatalf("size/timeout defaults missing: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaulted config must validate: %v", err)
	}
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	t.Parallel()
	cfg := Config{}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "app id") {
		t.Fatalf("expected app id error, got %v", err)
	}
	cfg.AppID = "cli_x"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "app secret") {
		t.Fatalf("expected app secret error, got %v", err)
	}
}

func TestValidateUserModeRequiresRedirectURI(t *testing.T) {
	t.Parallel()
	cfg := Config{AppID: "cli_x", AppSecret: "y", AuthMode: AuthModeUser}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "redirect uri") {
		t.Fatalf("expected redirect uri error, got %v", err)
	}
	cfg.RedirectURI = "https://example.test/callback"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("user mode with redirect uri must validate: %v", err)
	}
}

func TestValidateRejectsUnknownModes(t *testing.T) {
	t.Parallel()
	cfg := Config{AppID: "cli_x", AppSecret: "y", AuthMode: "service"}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "auth mode") {
		t.Fatalf("expected auth mode error, got %v", err)
	}
	cfg = Config{AppID: "cli_x", AppSecret: "y", Transport: "grpc"}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "transport") {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestDefaultTokenStorePathUsesConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DOCMCP_CONFIG_DIR", dir)
	path, err := DefaultTokenStorePath()
	if err != nil {
		t.Fatalf("default token store path: %v", err)
	}
	if !strings.HasPrefix(path, dir) || !strings.HasSuffix(path, DefaultTokenStoreFileName) {
		t.Fatalf("unexpected path %q", path)
	}
}
