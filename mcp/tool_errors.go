package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/docmcp/blocks"
	"pkt.systems/docmcp/lark"
)

type toolErrorEnvelope struct {
	ErrorCode    string `json:"error_code"`
	Detail       string `json:"detail,omitempty"`
	Retryable    bool   `json:"retryable"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	VendorCode   int64  `json:"vendor_code,omitempty"`
	AuthorizeURL string `json:"authorize_url,omitempty"`
	State        string `json:"state,omitempty"`
	Inserted     int    `json:"inserted,omitempty"`
	Remaining    int    `json:"remaining,omitempty"`
	ResumeIndex  int    `json:"resume_index,omitempty"`
	FailedBatch  int    `json:"failed_batch,omitempty"`
	Position     int    `json:"position,omitempty"`
}

func withStructuredToolErrors[In, Out any](h mcpsdk.ToolHandlerFor[In, Out]) mcpsdk.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input In) (*mcpsdk.CallToolResult, Out, error) {
		res, out, err := h(ctx, req, input)
		if err == nil {
			return res, out, nil
		}
		var zero Out
		return nil, zero, toolError{Envelope: classifyToolError(err)}
	}
}

type toolError struct {
	Envelope toolErrorEnvelope
}

func (e toolError) Error() string {
	envelope := map[string]any{"error": e.Envelope}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return `{"error":{"error_code":"tool_error","detail":"failed to encode error envelope"}}`
	}
	return string(encoded)
}

func classifyToolError(err error) toolErrorEnvelope {
	env := toolErrorEnvelope{ErrorCode: "tool_error", Detail: strings.TrimSpace(err.Error())}

	var authReq *lark.AuthorizationRequiredError
	if errors.As(err, &authReq) {
		env.ErrorCode = "authorization_required"
		env.Detail = "user authorization required; visit the authorize URL and rerun"
		env.AuthorizeURL = authReq.Request.URL
		env.State = authReq.Request.State
		return env
	}

	var partial *blocks.PartialFailure
	if errors.As(err, &partial) {
		env.ErrorCode = "partial_failure"
		env.Inserted = partial.Inserted
		env.Remaining = partial.Remaining
		env.ResumeIndex = partial.ResumeIndex
		env.FailedBatch = partial.FailedBatch
		inner := classifyToolError(partial.Err)
		env.Detail = inner.Detail
		env.Retryable = inner.Retryable
		env.HTTPStatus = inner.HTTPStatus
		env.VendorCode = inner.VendorCode
		env.Position = inner.Position
		return env
	}

	var verr *blocks.ValidationError
	if errors.As(err, &verr) {
		env.ErrorCode = "invalid_argument"
		env.Position = verr.Position
		return env
	}

	var apiErr *lark.APIError
	if errors.As(err, &apiErr) {
		env.HTTPStatus = apiErr.Status
		env.VendorCode = apiErr.Code
		env.Detail = strings.TrimSpace(apiErr.Message)
		if env.Detail == "" {
			env.Detail = strings.TrimSpace(err.Error())
		}
		env.ErrorCode = "vendor_" + strconv.FormatInt(apiErr.Code, 10)
		if apiErr.Code == 0 && apiErr.Status != 0 {
			env.ErrorCode = "http_" + strconv.Itoa(apiErr.Status)
		}
		switch {
		case apiErr.Status == http.StatusTooManyRequests,
			apiErr.Status == http.StatusRequestTimeout,
			apiErr.Status >= 500:
			env.Retryable = true
		}
		return env
	}

	var authErr *lark.AuthError
	if errors.As(err, &authErr) {
		env.ErrorCode = "auth_error"
		env.VendorCode = authErr.Code
		env.Detail = strings.TrimSpace(authErr.Message)
		return env
	}

	lower := strings.ToLower(env.Detail)
	switch {
	case strings.Contains(lower, "required"),
		strings.Contains(lower, "must be"),
		strings.Contains(lower, "invalid"),
		strings.Contains(lower, "exceed"),
		strings.Contains(lower, "decode "):
		env.ErrorCode = "invalid_argument"
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline"):
		env.ErrorCode = "timeout"
		env.Retryable = true
	case strings.Contains(lower, "temporar"), strings.Contains(lower, "try again"):
		env.ErrorCode = "unavailable"
		env.Retryable = true
	}
	return env
}
