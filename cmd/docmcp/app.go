package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/docmcp"
	"pkt.systems/docmcp/internal/svcfields"
	"pkt.systems/docmcp/mcp"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("DOCMCP_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "docmcp")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand decides where to route a command failure:
// structured logs for the server (root) path, plain stderr for subcommands.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	takesValue := func(flag *pflag.Flag) bool {
		return flag != nil && flag.NoOptDefVal == ""
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if !strings.Contains(arg, "=") && takesValue(lookupLong(strings.TrimPrefix(arg, "--"))) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			if len(sh) == 1 && takesValue(lookupShort(sh)) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := docmcp.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, docmcp.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "docmcp",
		Short:         "docmcp exposes a cloud-documents vendor (docx blocks + drive) as an MCP tool server",
		SilenceErrors: true,
		Example: `
  # Stdio transport for a local MCP client (tenant auth)
  DOCMCP_APP_ID=cli_xxx DOCMCP_APP_SECRET=yyy docmcp

  # Streamable HTTP transport with Prometheus metrics
  docmcp --transport http --listen 127.0.0.1:19351 --metrics-listen 127.0.0.1:19352

  # User auth mode with a durable encrypted token store
  docmcp --auth-mode user --redirect-uri https://example.test/callback --token-store ~/.docmcp/tokens.pem
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "mcp.lifecycle.init").Info(
				"welcome to docmcp",
				"app", "docmcp",
				"pid", os.Getpid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			cfg, err := configFromViper()
			if err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}

			svc, err := mcp.NewServer(mcp.NewServerRequest{
				Config:    cfg,
				Logger:    logger,
				Telemetry: docmcp.NewTelemetry(),
			})
			if err != nil {
				return err
			}
			return svc.Run(ctx)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.docmcp/"+docmcp.DefaultConfigFileName+")")
	persistentFlags.String("app-id", "", "vendor application ID")
	persistentFlags.String("app-secret", "", "vendor application secret")
	persistentFlags.String("auth-mode", string(docmcp.AuthModeTenant), "credential class for document calls (tenant or user)")
	persistentFlags.String("base-url", docmcp.DefaultBaseURL, "vendor API base URL")
	persistentFlags.String("redirect-uri", "", "OAuth callback registered with the vendor (user auth mode)")
	persistentFlags.String("token-store", "", "encrypted PEM store for user tokens (default $HOME/.docmcp/"+docmcp.DefaultTokenStoreFileName+" in user mode)")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("transport", docmcp.TransportStdio, "MCP transport (stdio or http)")
	flags.StringP("listen", "l", docmcp.DefaultListen, "listen address for the http transport")
	flags.String("mcp-path", docmcp.DefaultMCPPath, "HTTP path serving the MCP streamable endpoint")
	flags.String("metrics-listen", docmcp.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.Bool("watch-token-store", false, "reload the token store when another process rewrites it")
	flags.Bool("cache-disabled", false, "disable the in-memory credential cache (every call re-fetches)")
	flags.Int("cache-capacity", docmcp.DefaultCacheCapacity, "maximum credential cache entries")
	flags.Duration("cache-sweep-interval", docmcp.DefaultCacheSweepInterval, "interval between proactive cache expiry sweeps")
	flags.Duration("keepalive-interval", docmcp.DefaultKeepAliveInterval, "interval between session liveness pings")
	flags.Int("max-block-batch", docmcp.DefaultMaxBlockBatch, "maximum blocks per vendor insert call")
	flags.Duration("http-timeout", docmcp.DefaultHTTPTimeout, "timeout for individual vendor API calls")
	uploadMaxDefault := strings.ReplaceAll(humanize.IBytes(uint64(docmcp.DefaultUploadMaxBytes)), " ", "")
	flags.String("upload-max", uploadMaxDefault, "maximum decoded image upload size")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("DOCMCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"app-id", "app-secret", "auth-mode", "base-url", "redirect-uri", "token-store", "log-level",
		"transport", "listen", "mcp-path", "metrics-listen",
		"watch-token-store", "cache-disabled", "cache-capacity", "cache-sweep-interval",
		"keepalive-interval", "max-block-batch", "http-timeout", "upload-max",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newAuthCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// configFromViper assembles the runtime config from flags, environment, and
// the optional config file, in viper's usual precedence order.
func configFromViper() (docmcp.Config, error) {
	cfg := docmcp.Config{
		AppID:       strings.TrimSpace(viper.GetString("app-id")),
		AppSecret:   strings.TrimSpace(viper.GetString("app-secret")),
		AuthMode:    docmcp.AuthMode(strings.ToLower(strings.TrimSpace(viper.GetString("auth-mode")))),
		BaseURL:     strings.TrimSpace(viper.GetString("base-url")),
		RedirectURI: strings.TrimSpace(viper.GetString("redirect-uri")),

		Transport:     strings.ToLower(strings.TrimSpace(viper.GetString("transport"))),
		Listen:        strings.TrimSpace(viper.GetString("listen")),
		MCPPath:       strings.TrimSpace(viper.GetString("mcp-path")),
		MetricsListen: strings.TrimSpace(viper.GetString("metrics-listen")),

		TokenStorePath:  strings.TrimSpace(viper.GetString("token-store")),
		WatchTokenStore: viper.GetBool("watch-token-store"),

		CacheDisabled:      viper.GetBool("cache-disabled"),
		CacheCapacity:      viper.GetInt("cache-capacity"),
		CacheSweepInterval: viper.GetDuration("cache-sweep-interval"),

		KeepAliveInterval: viper.GetDuration("keepalive-interval"),
		MaxBlockBatch:     viper.GetInt("max-block-batch"),
		HTTPTimeout:       viper.GetDuration("http-timeout"),
	}
	if uploadMax := strings.TrimSpace(viper.GetString("upload-max")); uploadMax != "" {
		size, err := humanize.ParseBytes(uploadMax)
		if err != nil {
			return docmcp.Config{}, fmt.Errorf("parse upload-max: %w", err)
		}
		cfg.UploadMaxBytes = int64(size)
	}
	if cfg.TokenStorePath == "" && cfg.AuthMode == docmcp.AuthModeUser {
		if def, err := docmcp.DefaultTokenStorePath(); err == nil {
			cfg.TokenStorePath = def
		}
	}
	if cfg.TokenStorePath != "" {
		expanded, err := expandPath(cfg.TokenStorePath)
		if err != nil {
			return docmcp.Config{}, fmt.Errorf("expand token store path: %w", err)
		}
		cfg.TokenStorePath = expanded
	}
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
