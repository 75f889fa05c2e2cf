package lark

import "fmt"

// Vendor error codes that indicate the presented access token is no longer
// accepted even though local bookkeeping considered it live.
const (
	codeTenantTokenInvalid = 99991663
	codeUserTokenInvalid   = 99991664
	codeAccessTokenInvalid = 99991668
)

// APIError is a vendor API rejection of a well-formed request. Status is
// the HTTP status, Code and Message come from the vendor envelope.
type APIError struct {
	Status  int
	Code    int64
	Message string
	LogID   string
}

func (e *APIError) Error() string {
	if e.LogID != "" {
		return fmt.Sprintf("lark api error: status=%d code=%d msg=%q log_id=%s", e.Status, e.Code, e.Message, e.LogID)
	}
	return fmt.Sprintf("lark api error: status=%d code=%d msg=%q", e.Status, e.Code, e.Message)
}

// TokenInvalid reports whether the error means the bearer token itself was
// rejected, as opposed to the request being bad.
func (e *APIError) TokenInvalid() bool {
	if e.Status == 401 {
		return true
	}
	switch e.Code {
	case codeTenantTokenInvalid, codeUserTokenInvalid, codeAccessTokenInvalid:
		return true
	}
	return false
}

// AuthError is a failure of the vendor token endpoints themselves. It is
// never retried inside the token manager; retry and backoff are the
// caller's decision.
type AuthError struct {
	Code    int64
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("lark auth error: code=%d msg=%q", e.Code, e.Message)
}

// AuthorizationRequiredError surfaces from gateway calls in user auth mode
// when no usable user token exists. It carries the redirect URL the end
// user must visit; tool handlers unwrap it into a normal result rather
// than an opaque failure.
type AuthorizationRequiredError struct {
	Request AuthorizationRequest
}

func (e *AuthorizationRequiredError) Error() string {
	return "user authorization required"
}
