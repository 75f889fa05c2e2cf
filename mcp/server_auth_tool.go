package mcp

import (
	"context"
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/docmcp"
	"pkt.systems/docmcp/lark"
)

type authStatusInput struct{}

type authStatusOutput struct {
	AuthMode     string `json:"auth_mode"`
	TenantOK     bool   `json:"tenant_ok"`
	TenantDetail string `json:"tenant_detail,omitempty"`
	UserStatus   string `json:"user_status,omitempty"`
	ExpiresIn    int64  `json:"expires_in_seconds,omitempty"`
	AuthorizeURL string `json:"authorize_url,omitempty"`
	State        string `json:"state,omitempty"`
}

// handleAuthStatusTool probes whichever credential class the server runs
// with. In user mode a missing authorization is reported as a normal
// result carrying the authorize URL, never as a tool error.
func (s *server) handleAuthStatusTool(ctx context.Context, _ *mcpsdk.CallToolRequest, _ authStatusInput) (*mcpsdk.CallToolResult, authStatusOutput, error) {
	out := authStatusOutput{AuthMode: string(s.cfg.AuthMode)}

	if _, err := s.tokens.TenantToken(ctx); err != nil {
		var authErr *lark.AuthError
		if errors.As(err, &authErr) {
			out.TenantDetail = authErr.Message
		} else {
			out.TenantDetail = err.Error()
		}
	} else {
		out.TenantOK = true
	}

	if s.cfg.AuthMode == docmcp.AuthModeUser {
		result, err := s.tokens.UserToken(ctx)
		if err != nil {
			return nil, authStatusOutput{}, err
		}
		if result.Authorize != nil {
			out.UserStatus = "authorization_required"
			out.AuthorizeURL = result.Authorize.URL
			out.State = result.Authorize.State
		} else {
			out.UserStatus = "authorized"
			out.ExpiresIn = result.ExpiresIn
		}
	}
	return nil, out, nil
}
