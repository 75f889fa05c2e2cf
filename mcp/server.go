package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/docmcp"
	"pkt.systems/docmcp/internal/cache"
	"pkt.systems/docmcp/internal/clock"
	"pkt.systems/docmcp/internal/svcfields"
	"pkt.systems/docmcp/internal/tokenstore"
	"pkt.systems/docmcp/internal/version"
	"pkt.systems/docmcp/lark"
	"pkt.systems/pslog"
)

// Server is the document-tools MCP facade service contract.
type Server interface {
	Run(context.Context) error
}

// NewServerRequest wraps constructor inputs. Clock and Telemetry are
// optional; tests inject a manual clock.
type NewServerRequest struct {
	Config    docmcp.Config
	Logger    pslog.Logger
	Clock     clock.Clock
	Telemetry *docmcp.Telemetry
}

type server struct {
	cfg          docmcp.Config
	logger       pslog.Logger
	lifecycleLog pslog.Logger
	transportLog pslog.Logger
	toolLog      pslog.Logger

	clk       clock.Clock
	telemetry *docmcp.Telemetry
	credCache *cache.Cache[lark.CredentialEntry]
	store     *tokenstore.Store
	tokens    *lark.TokenManager
	gateway   *lark.Gateway
	sessions  *sessionRegistry

	mcpServer   *mcpsdk.Server
	httpServer  *http.Server
	mcpHTTPPath string
}

// NewServer constructs the docmcp MCP facade service.
func NewServer(req NewServerRequest) (Server, error) {
	cfg := req.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := req.Logger
	if logger == nil {
		logger = pslog.NewStructured(os.Stderr).With("app", "docmcp")
	}
	clk := req.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		lifecycleLog: svcfields.WithSubsystem(logger, "server.lifecycle.mcp"),
		transportLog: svcfields.WithSubsystem(logger, "mcp.transport"),
		toolLog:      svcfields.WithSubsystem(logger, "mcp.tools"),
		clk:          clk,
		telemetry:    req.Telemetry,
		mcpHTTPPath:  cleanHTTPPath(cfg.MCPPath),
	}

	var onHit, onMiss func()
	if s.telemetry != nil {
		onHit = s.telemetry.CacheHits.Inc
		onMiss = s.telemetry.CacheMisses.Inc
	}
	s.credCache = lark.NewCredentialCache(cfg, clk, logger, onHit, onMiss)

	if storePath := strings.TrimSpace(cfg.TokenStorePath); storePath != "" {
		store, err := tokenstore.Open(storePath, svcfields.WithSubsystem(logger, "tokenstore"))
		if err != nil {
			return nil, fmt.Errorf("open token store: %w", err)
		}
		s.store = store
	}

	var onFetch func(kind, outcome string)
	if s.telemetry != nil {
		onFetch = func(kind, outcome string) {
			s.telemetry.TokenFetches.WithLabelValues(kind, outcome).Inc()
		}
	}
	tokens, err := lark.NewTokenManager(lark.TokenManagerConfig{
		AppID:        cfg.AppID,
		AppSecret:    cfg.AppSecret,
		RedirectURI:  cfg.RedirectURI,
		BaseURL:      cfg.BaseURL,
		HTTPClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		Cache:        s.credCache,
		Store:        s.store,
		Clock:        clk,
		Logger:       logger,
		OnFetch:      onFetch,
	})
	if err != nil {
		return nil, err
	}
	s.tokens = tokens

	var onAuthRetry func()
	if s.telemetry != nil {
		onAuthRetry = s.telemetry.APIRetries.Inc
	}
	gateway, err := lark.NewGateway(lark.GatewayConfig{
		BaseURL:     cfg.BaseURL,
		AuthMode:    cfg.AuthMode,
		Tokens:      tokens,
		HTTPClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		Logger:      logger,
		OnAuthRetry: onAuthRetry,
	})
	if err != nil {
		return nil, err
	}
	s.gateway = gateway

	var onCount func(int)
	if s.telemetry != nil {
		onCount = func(active int) { s.telemetry.ActiveSessions.Set(float64(active)) }
	}
	s.sessions = newSessionRegistry(sessionRegistryOptions{
		KeepAliveInterval: cfg.KeepAliveInterval,
		Clock:             clk,
		Logger:            svcfields.WithSubsystem(logger, "mcp.sessions"),
		OnCount:           onCount,
	})

	s.mcpServer = s.buildMCPServer()
	if cfg.Transport == docmcp.TransportHTTP {
		s.httpServer = &http.Server{
			Addr:    cfg.Listen,
			Handler: s.buildMux(),
		}
	}
	return s, nil
}

func (s *server) buildMCPServer() *mcpsdk.Server {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "docmcp",
		Version: version.Current(),
	}, &mcpsdk.ServerOptions{
		Instructions:       serverInstructions(s.cfg),
		InitializedHandler: s.handleInitialized,
	})
	s.registerTools(srv)
	return srv
}

func (s *server) buildMux() *http.ServeMux {
	streamable := mcpsdk.NewStreamableHTTPHandler(func(_ *http.Request) *mcpsdk.Server {
		return s.mcpServer
	}, nil)
	mux := http.NewServeMux()
	mux.Handle(s.mcpHTTPPath, streamable)
	return mux
}

func (s *server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.credCache.Run(runCtx)
	go s.sessions.Run(runCtx)
	defer s.sessions.Shutdown()

	if s.store != nil && s.cfg.WatchTokenStore {
		go func() {
			err := s.store.Watch(runCtx, func() {
				if err := s.tokens.ReloadFromStore(); err != nil {
					s.lifecycleLog.Warn("mcp.tokenstore.reload_failed", "error", err)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				s.lifecycleLog.Warn("mcp.tokenstore.watch_failed", "error", err)
			}
		}()
	}

	if s.telemetry != nil && strings.TrimSpace(s.cfg.MetricsListen) != "" {
		if err := s.telemetry.Serve(s.cfg.MetricsListen, s.logger); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), docmcp.DefaultShutdownTimeout)
			defer cancelShutdown()
			_ = s.telemetry.Shutdown(shutdownCtx)
		}()
	}

	switch s.cfg.Transport {
	case docmcp.TransportHTTP:
		return s.runHTTP(ctx)
	default:
		return s.runStdio(ctx)
	}
}

func (s *server) runStdio(ctx context.Context) error {
	s.lifecycleLog.Info("starting docmcp facade", "transport", docmcp.TransportStdio, "auth_mode", s.cfg.AuthMode)
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *server) runHTTP(ctx context.Context) error {
	s.lifecycleLog.Info("starting docmcp facade",
		"transport", docmcp.TransportHTTP,
		"listen", s.cfg.Listen,
		"mcp_path", s.mcpHTTPPath,
		"auth_mode", s.cfg.AuthMode,
	)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), docmcp.DefaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *server) registerTools(srv *mcpsdk.Server) {
	descriptions := buildToolDescriptions(s.cfg)
	desc := func(name string) string {
		description, ok := descriptions[name]
		if !ok {
			panic(fmt.Sprintf("missing MCP tool description for %q", name))
		}
		return description
	}

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolDocCreate,
		Description: desc(toolDocCreate),
	}, withStructuredToolErrors(s.handleDocCreateTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolDocBlocksGet,
		Description: desc(toolDocBlocksGet),
	}, withStructuredToolErrors(s.handleDocBlocksGetTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolDocBlocksInsert,
		Description: desc(toolDocBlocksInsert),
	}, withStructuredToolErrors(s.handleDocBlocksInsertTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolDocBlockUpdate,
		Description: desc(toolDocBlockUpdate),
	}, withStructuredToolErrors(s.handleDocBlockUpdateTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolDocBlocksDelete,
		Description: desc(toolDocBlocksDelete),
	}, withStructuredToolErrors(s.handleDocBlocksDeleteTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolFolderCreate,
		Description: desc(toolFolderCreate),
	}, withStructuredToolErrors(s.handleFolderCreateTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolImageUpload,
		Description: desc(toolImageUpload),
	}, withStructuredToolErrors(s.handleImageUploadTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolAuthStatus,
		Description: desc(toolAuthStatus),
	}, withStructuredToolErrors(s.handleAuthStatusTool))
}

func (s *server) handleInitialized(_ context.Context, req *mcpsdk.InitializedRequest) {
	if req == nil || req.Session == nil || s.sessions == nil {
		return
	}
	s.sessions.Add(req.Session)
}

func cleanHTTPPath(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return docmcp.DefaultMCPPath
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return path.Clean(raw)
}
