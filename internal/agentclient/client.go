// Package agentclient implements ports.AgentClient against the agent HTTP
// server running inside a sandbox (spec §2 C3, §6). Grounded on
// internal/agent/acp/session.go + pkg/acp/jsonrpc/client.go's shape (a
// typed session manager wrapping a generic RPC client:
// CreateSession/Initialize/NewSession/LoadSession/Prompt/Cancel/
// CloseSession) re-expressed over net/http instead of stdio JSON-RPC,
// since AgentClient is explicitly an HTTP client per the spec.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	coreerrors "github.com/kandev/kandev/internal/core/errors"
	"github.com/kandev/kandev/internal/core/ports"
)

// Client is an HTTP-backed ports.AgentClient. One Client instance is
// shared across sandboxes; every call takes a ports.Preview describing
// which sandbox to reach.
type Client struct {
	http       *http.Client
	authHeader string
	log        *logger.Logger
	tracer     Tracer
}

// Tracer is an optional OpenTelemetry-style span recorder, following the
// teacher's indirect OpenTelemetry dependency footprint: health-poll and
// send-prompt calls open a span when a tracer is supplied, and are a
// no-op otherwise.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, func())
}

// noopTracer is used when the caller does not wire a real tracer.
type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, func()) {
	return ctx, func() {}
}

// New constructs a Client. authHeader is the header name the sandbox's
// preview token is sent under (spec §6 AgentRuntimeConfig.authTokenHeader).
func New(requestTimeout time.Duration, authHeader string, tracer Tracer, log *logger.Logger) *Client {
	if tracer == nil {
		tracer = noopTracer{}
	}
	return &Client{
		http:       &http.Client{Timeout: requestTimeout},
		authHeader: authHeader,
		tracer:     tracer,
		log:        log.WithFields(zap.String("component", "agentclient")),
	}
}

func (c *Client) request(ctx context.Context, preview ports.Preview, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, &coreerrors.ConfigEncodeError{Err: err}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, preview.URL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token := preview.Token
	if token == "" {
		token = tokenFromQuery(preview.URL)
	}
	if token != "" && c.authHeader != "" {
		req.Header.Set(c.authHeader, token)
	}
	return c.http.Do(req)
}

// tokenFromQuery extracts a `tkn` query parameter when the provider
// embedded the preview token in the URL instead of returning it
// separately (spec §4.3.1 step 4): the resolver normalizing previews
// elsewhere should already strip this, but callers that bypass it are
// still handled here defensively.
func tokenFromQuery(rawURL string) string {
	idx := indexByte(rawURL, '?')
	if idx < 0 {
		return ""
	}
	query := rawURL[idx+1:]
	for _, pair := range splitAmp(query) {
		k, v, ok := splitEq(pair)
		if ok && k == "tkn" {
			return v
		}
	}
	return ""
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func splitAmp(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '&' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func splitEq(s string) (key, value string, ok bool) {
	idx := indexByte(s, '=')
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return string(buf)
}

// WaitForHealthy performs a single GET /health request bounded by maxWait;
// the caller (Provisioner.pollHealthy) is responsible for repeating this
// on a cadence across its own overall budget.
func (c *Client) WaitForHealthy(ctx context.Context, preview ports.Preview, maxWait time.Duration) bool {
	ctx, end := c.tracer.StartSpan(ctx, "agentclient.health")
	defer end()

	reqCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	resp, err := c.request(reqCtx, preview, http.MethodGet, "/health", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type createSessionRequest struct {
	Title string `json:"title"`
}

type sessionResponse struct {
	ID string `json:"id"`
}

// CreateSession realizes spec §6 AgentClient.createSession.
func (c *Client) CreateSession(ctx context.Context, preview ports.Preview, title string) (string, error) {
	resp, err := c.request(ctx, preview, http.MethodPost, "/sessions", createSessionRequest{Title: title})
	if err != nil {
		return "", &coreerrors.AgentClientError{Operation: "createSession", Kind: coreerrors.KindSandboxDown}
	}
	body := readBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &coreerrors.AgentClientError{
			Operation: "createSession", StatusCode: resp.StatusCode, Body: body,
			Kind: coreerrors.ClassifySendFailure(resp.StatusCode, body),
		}
	}
	var out sessionResponse
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return "", fmt.Errorf("agentclient: decode createSession response: %w", err)
	}
	return out.ID, nil
}

// SessionExists realizes spec §6 AgentClient.sessionExists.
func (c *Client) SessionExists(ctx context.Context, preview ports.Preview, sessionID string) (bool, error) {
	resp, err := c.request(ctx, preview, http.MethodGet, "/sessions/"+sessionID, nil)
	if err != nil {
		return false, &coreerrors.AgentClientError{Operation: "sessionExists", Kind: coreerrors.KindSandboxDown}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

type listSessionsResponse struct {
	Sessions []sessionSummaryWire `json:"sessions"`
}

type sessionSummaryWire struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// ListSessions realizes spec §6 AgentClient.listSessions.
func (c *Client) ListSessions(ctx context.Context, preview ports.Preview, limit int) ([]ports.SessionSummary, error) {
	path := fmt.Sprintf("/sessions?limit=%d", limit)
	resp, err := c.request(ctx, preview, http.MethodGet, path, nil)
	if err != nil {
		return nil, &coreerrors.AgentClientError{Operation: "listSessions", Kind: coreerrors.KindSandboxDown}
	}
	body := readBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &coreerrors.AgentClientError{
			Operation: "listSessions", StatusCode: resp.StatusCode, Body: body,
			Kind: coreerrors.ClassifySendFailure(resp.StatusCode, body),
		}
	}
	var out listSessionsResponse
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("agentclient: decode listSessions response: %w", err)
	}
	summaries := make([]ports.SessionSummary, 0, len(out.Sessions))
	for _, s := range out.Sessions {
		summaries = append(summaries, ports.SessionSummary{ID: s.ID, Title: s.Title, UpdatedAt: s.UpdatedAt})
	}
	return summaries, nil
}

type sendPromptRequest struct {
	Text string `json:"text"`
}

type sendPromptResponse struct {
	Reply string `json:"reply"`
}

// SendPrompt realizes spec §6 AgentClient.sendPrompt. On a non-2xx
// response it returns an *AgentClientError whose Kind is pre-classified
// per the transport-observables table (spec §4.3.6), so ThreadEntity.send
// can dispatch on it directly without re-deriving the classification.
func (c *Client) SendPrompt(ctx context.Context, preview ports.Preview, sessionID, text string) (string, error) {
	ctx, end := c.tracer.StartSpan(ctx, "agentclient.sendPrompt")
	defer end()

	resp, err := c.request(ctx, preview, http.MethodPost, "/sessions/"+sessionID+"/prompt", sendPromptRequest{Text: text})
	if err != nil {
		return "", &coreerrors.AgentClientError{Operation: "sendPrompt", StatusCode: 0, Kind: coreerrors.KindSandboxDown}
	}
	body := readBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &coreerrors.AgentClientError{
			Operation: "sendPrompt", StatusCode: resp.StatusCode, Body: body,
			Kind: coreerrors.ClassifySendFailure(resp.StatusCode, body),
		}
	}
	var out sendPromptResponse
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return "", fmt.Errorf("agentclient: decode sendPrompt response: %w", err)
	}
	return out.Reply, nil
}

// AbortSession realizes spec §6 AgentClient.abortSession.
func (c *Client) AbortSession(ctx context.Context, preview ports.Preview, sessionID string) error {
	resp, err := c.request(ctx, preview, http.MethodPost, "/sessions/"+sessionID+"/abort", nil)
	if err != nil {
		return &coreerrors.AgentClientError{Operation: "abortSession", Kind: coreerrors.KindSandboxDown}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readBody(resp)
		return &coreerrors.AgentClientError{
			Operation: "abortSession", StatusCode: resp.StatusCode, Body: body,
			Kind: coreerrors.ClassifySendFailure(resp.StatusCode, body),
		}
	}
	return nil
}
