package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/link"
)

// Error codes carried in ErrorShape.Code.
const (
	CodeInvalidParams  = "invalid_params"
	CodeNotFound       = "not_found"
	CodeNotReady       = "not_ready"
	CodeRateLimited    = "rate_limited"
	CodeInvalidState   = "invalid_state"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
	CodeMethodNotFound = "method_not_found"
)

// HealthResponse is returned by health endpoints. The public HTTP endpoint
// only populates Status; the authenticated RPC handler populates all fields.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Clients  int    `json:"clients,omitempty"`
	Accounts int    `json:"accounts,omitempty"`
	UptimeMs int64  `json:"uptimeMs,omitempty"`
}

// handleHealth returns the server health status. Only status is exposed
// publicly; detailed info is available via the authenticated RPC health method.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// handleNotFound returns a 404 for unknown routes.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// RequestHandler processes an incoming RPC request frame from a client.
type RequestHandler func(ctx *RequestContext)

// RequestContext carries everything a handler needs. Ctx is cancelled when
// the client disconnects.
type RequestContext struct {
	Ctx    context.Context
	Client *Client
	Frame  Frame
	Server *Server
}

// Context returns the request context.
func (rc *RequestContext) Context() context.Context {
	if rc.Ctx == nil {
		return context.Background()
	}
	return rc.Ctx
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

// RespondError sends an error response.
func (rc *RequestContext) RespondError(code, message string) {
	rc.Client.RespondError(rc.Frame.ID, ErrorShape{
		Code:    code,
		Message: message,
	})
}

// Fail maps err onto an error response.
func (rc *RequestContext) Fail(err error) {
	shape := errorShape(err)
	if shape.Code == CodeInternal {
		rc.Server.log.Error().Err(err).Str("method", rc.Frame.Method).Msg("rpc failed")
	}
	rc.Client.RespondError(rc.Frame.ID, shape)
}

// Params unmarshals the request params into the given target.
func (rc *RequestContext) Params(target any) error {
	if rc.Frame.Params == nil {
		return nil
	}
	return json.Unmarshal(rc.Frame.Params, target)
}

// errorShape classifies provider and domain errors for clients.
func errorShape(err error) ErrorShape {
	var (
		target *domain.TargetError
		rate   *domain.RateLimitError
	)
	switch {
	case errors.As(err, &target):
		return ErrorShape{
			Code:    target.Reason,
			Message: err.Error(),
			Details: map[string]string{"chatId": target.ChatID},
		}
	case errors.As(err, &rate):
		return ErrorShape{
			Code:       CodeRateLimited,
			Message:    err.Error(),
			Retryable:  true,
			RetryAfter: rate.RetryAfterSeconds * 1000,
		}
	case errors.Is(err, domain.ErrRateLimited):
		return ErrorShape{Code: CodeRateLimited, Message: err.Error(), Retryable: true}
	case errors.Is(err, domain.ErrNotReady):
		return ErrorShape{Code: CodeNotReady, Message: err.Error(), Retryable: true}
	case errors.Is(err, domain.ErrUnknownAccount), errors.Is(err, link.ErrNotFound):
		return ErrorShape{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, domain.ErrInvalidChatID),
		errors.Is(err, domain.ErrUnsupportedPlatform),
		errors.Is(err, domain.ErrEmptyMessage):
		return ErrorShape{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, link.ErrInvalidState):
		return ErrorShape{Code: CodeInvalidState, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorShape{Code: CodeUnavailable, Message: err.Error(), Retryable: true}
	default:
		return ErrorShape{Code: CodeInternal, Message: err.Error()}
	}
}
