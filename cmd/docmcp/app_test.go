package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"pkt.systems/docmcp"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--transport", "http"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "flag with equals", args: []string{"--listen=127.0.0.1:1"}, want: true},
		{name: "subcommand", args: []string{"auth", "status"}, want: false},
		{name: "version subcommand", args: []string{"version"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "auth", "url"}, want: false},
		{name: "double dash stops dispatch", args: []string{"--", "auth"}, want: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestConfigFromViperReadsEnvironment(t *testing.T) {
	t.Setenv("DOCMCP_APP_ID", "cli_env_app")
	t.Setenv("DOCMCP_APP_SECRET", "env-secret")
	t.Setenv("DOCMCP_TRANSPORT", "http")
	t.Setenv("DOCMCP_LISTEN", "127.0.0.1:29351")
	t.Setenv("DOCMCP_UPLOAD_MAX", "4MiB")
	newRootCommand(pslog.NewStructured(io.Discard))

	cfg, err := configFromViper()
	if err != nil {
		t.Fatalf("configFromViper: %v", err)
	}
	if cfg.AppID != "cli_env_app" || cfg.AppSecret != "env-secret" {
		t.Fatalf("credentials not read from environment: %+v", cfg)
	}
	if cfg.Transport != docmcp.TransportHTTP || cfg.Listen != "127.0.0.1:29351" {
		t.Fatalf("transport settings not read from environment: %+v", cfg)
	}
	if cfg.UploadMaxBytes != 4<<20 {
		t.Fatalf("upload-max not parsed: %d", cfg.UploadMaxBytes)
	}
}

func TestConfigFromViperRejectsBadUploadMax(t *testing.T) {
	t.Setenv("DOCMCP_UPLOAD_MAX", "a-lot")
	newRootCommand(pslog.NewStructured(io.Discard))

	if _, err := configFromViper(); err == nil || !strings.Contains(err.Error(), "upload-max") {
		t.Fatalf("expected upload-max parse error, got %v", err)
	}
}

func TestUserModeDefaultsTokenStorePath(t *testing.T) {
	t.Setenv("DOCMCP_CONFIG_DIR", t.TempDir())
	t.Setenv("DOCMCP_AUTH_MODE", "user")
	t.Setenv("DOCMCP_UPLOAD_MAX", "")
	newRootCommand(pslog.NewStructured(io.Discard))

	cfg, err := configFromViper()
	if err != nil {
		t.Fatalf("configFromViper: %v", err)
	}
	if cfg.TokenStorePath == "" || !strings.HasSuffix(cfg.TokenStorePath, docmcp.DefaultTokenStoreFileName) {
		t.Fatalf("expected default token store path in user mode, got %q", cfg.TokenStorePath)
	}
}

func TestExpandPathResolvesHome(t *testing.T) {
	home, err := expandPath("~")
	if err != nil {
		t.Fatalf("expand ~: %v", err)
	}
	nested, err := expandPath("~/x/y")
	if err != nil {
		t.Fatalf("expand ~/x/y: %v", err)
	}
	if !strings.HasPrefix(nested, home) {
		t.Fatalf("expected %q under %q", nested, home)
	}
	if got, _ := expandPath(""); got != "" {
		t.Fatalf("empty path must stay empty, got %q", got)
	}
}
