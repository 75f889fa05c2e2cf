// Package docmcp exposes the Go APIs behind the single-binary MCP facade
// for a Lark/Feishu-style cloud-documents vendor. The binary serves a set
// of rich-text document tools (create documents and folders, read, insert,
// update and delete blocks, upload images) over the Model Context Protocol,
// either on stdio for local clients or over streamable HTTP for long-lived
// sessions.
//
// The package itself holds shared configuration and the telemetry registry.
// The heavy lifting lives in subpackages:
//
//   - lark: the authenticated vendor gateway and the token lifecycle
//     manager (tenant client-credentials tokens and per-user OAuth tokens
//     with refresh and durable persistence).
//   - blocks: the tagged block model, the vendor wire builder, and the
//     chunked bulk-insert orchestrator.
//   - mcp: the MCP server, tool handlers, and the session registry that
//     keeps streaming connections alive and tears them down exactly once.
//
// A minimal embedded server:
//
//	cfg := docmcp.Config{
//	    AppID:     os.Getenv("DOCMCP_APP_ID"),
//	    AppSecret: os.Getenv("DOCMCP_APP_SECRET"),
//	    Listen:    "127.0.0.1:19351",
//	}
//	srv, err := mcp.NewServer(mcp.NewServerRequest{Config: cfg})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Concurrent tool invocations against the same document are not serialized
// by docmcp; the vendor API is the source of truth for final block ordering
// and callers that need strict ordering across invocations must serialize
// them upstream.
package docmcp
