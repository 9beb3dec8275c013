package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SendResult is what a successful exchange returns: the assistant's answer
// and the backend's identifier for the unit of work, usable for cancellation.
type SendResult struct {
	Answer    string
	RequestID string
	// SessionID echoes the backend's session id; the backend creates one when
	// the request carried none, which is how the remote mapping appears lazily.
	SessionID string
}

// ChatService is the remote collaborator the lifecycle and exchange protocol
// talk to. AgentClient is the HTTP implementation; tests substitute fakes.
type ChatService interface {
	CreateRemoteSession(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, text string, history []Message, remoteID, correlationID string) (SendResult, error)
	CancelRequest(ctx context.Context, requestID string) (bool, error)
	GenerateTitle(ctx context.Context, seed string) string
	SessionStats(ctx context.Context, remoteID string) (*SessionStats, bool, error)
	SyncSession(ctx context.Context, remoteID string, sess Session) (*SessionStats, error)
	ExportSession(ctx context.Context, remoteID, format string) ([]byte, string, error)
	Status(ctx context.Context) error
}

// AgentClient talks to the SQL agent backend over HTTP.
type AgentClient struct {
	BaseURL     string
	SyncBaseURL string
	HTTP        *http.Client
	// StatusTimeout bounds the health probe; it is polled and must fail fast.
	StatusTimeout time.Duration
}

func NewAgentClient(cfg Config) *AgentClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	syncURL := strings.TrimRight(cfg.SyncBaseURL, "/")
	if syncURL == "" {
		syncURL = baseURL
	}
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	return &AgentClient{
		BaseURL:       baseURL,
		SyncBaseURL:   syncURL,
		HTTP:          &http.Client{Timeout: timeout},
		StatusTimeout: time.Duration(cfg.StatusTimeout) * time.Second,
	}
}

type askRequest struct {
	Query     string       `json:"query"`
	SessionID string       `json:"session_id,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
	History   []askMessage `json:"history,omitempty"`
}

type askMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type askResponse struct {
	Answer    string `json:"answer"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
}

type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

type errorDetail struct {
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code"`
	RetryAfter int    `json:"retry_after"`
}

func (c *AgentClient) CreateRemoteSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.postJSON(ctx, c.BaseURL+"/sessions", struct{}{}, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", &AgentError{Kind: ErrServer, Message: "backend returned no session id"}
	}
	return out.SessionID, nil
}

func (c *AgentClient) SendMessage(ctx context.Context, text string, history []Message, remoteID, correlationID string) (SendResult, error) {
	req := askRequest{
		Query:     text,
		SessionID: remoteID,
		RequestID: correlationID,
	}
	for _, msg := range history {
		req.History = append(req.History, askMessage{Role: msg.Role, Content: msg.Content})
	}
	var out askResponse
	if err := c.postJSON(ctx, c.BaseURL+"/ask", req, &out); err != nil {
		return SendResult{}, err
	}
	requestID := out.RequestID
	if requestID == "" {
		requestID = correlationID
	}
	return SendResult{Answer: out.Answer, RequestID: requestID, SessionID: out.SessionID}, nil
}

// CancelRequest asks the backend to abandon the correlated unit of work.
// Best effort: the caller swallows failures.
func (c *AgentClient) CancelRequest(ctx context.Context, requestID string) (bool, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return false, nil
	}
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.postJSON(ctx, c.BaseURL+"/cancel/"+url.PathEscape(requestID), struct{}{}, &out); err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

// GenerateTitle never fails: on any error it falls back to the placeholder.
func (c *AgentClient) GenerateTitle(ctx context.Context, seed string) string {
	req := struct {
		Prompt string `json:"prompt"`
	}{Prompt: seed}
	var out struct {
		Title string `json:"title"`
	}
	if err := c.postJSON(ctx, c.BaseURL+"/generate-title", req, &out); err != nil {
		return DefaultTitle
	}
	if strings.TrimSpace(out.Title) == "" {
		return DefaultTitle
	}
	return out.Title
}

func (c *AgentClient) SessionStats(ctx context.Context, remoteID string) (*SessionStats, bool, error) {
	u := c.BaseURL + "/sessions/" + url.PathEscape(remoteID) + "/stats"
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.HTTP.Do(request)
	if err != nil {
		return nil, false, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, &AgentError{Kind: ErrNetwork, Message: err.Error()}
	}
	if resp.StatusCode >= 300 {
		return nil, false, classifyStatus(resp.StatusCode, body, resp.Header)
	}
	var out struct {
		SessionStats
		SessionExists bool `json:"session_exists"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, false, &AgentError{Kind: ErrServer, Message: "unparseable stats response"}
	}
	if !out.SessionExists {
		return nil, false, nil
	}
	stats := out.SessionStats
	return &stats, true, nil
}

// SyncSession pushes the locally known history to the backend's
// synchronization endpoint and returns the refreshed statistics. An
// unparseable body degrades to a conservative local count rather than failing.
func (c *AgentClient) SyncSession(ctx context.Context, remoteID string, sess Session) (*SessionStats, error) {
	req := struct {
		SessionID string       `json:"session_id"`
		History   []askMessage `json:"history"`
	}{SessionID: remoteID}
	for _, msg := range sess.Messages {
		req.History = append(req.History, askMessage{Role: msg.Role, Content: msg.Content})
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.SyncBaseURL+"/sync", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(request)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AgentError{Kind: ErrNetwork, Message: err.Error()}
	}
	if resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, body, resp.Header)
	}
	var stats SessionStats
	if err := json.Unmarshal(body, &stats); err != nil || stats.SessionID == "" {
		// Degraded result from what we pushed.
		return &SessionStats{
			SessionID:    remoteID,
			MessageCount: len(sess.Messages),
		}, nil
	}
	return &stats, nil
}

func (c *AgentClient) ExportSession(ctx context.Context, remoteID, format string) ([]byte, string, error) {
	u := fmt.Sprintf("%s/export?session_id=%s&format=%s",
		c.BaseURL, url.QueryEscape(remoteID), url.QueryEscape(format))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.HTTP.Do(request)
	if err != nil {
		return nil, "", classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &AgentError{Kind: ErrNetwork, Message: err.Error()}
	}
	if resp.StatusCode >= 300 {
		return nil, "", classifyStatus(resp.StatusCode, body, resp.Header)
	}
	filename := "session." + format
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			filename = params["filename"]
		}
	}
	return body, filename, nil
}

func (c *AgentClient) Status(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.StatusTimeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(request)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return classifyStatus(resp.StatusCode, body, resp.Header)
	}
	return nil
}

func (c *AgentClient) postJSON(ctx context.Context, u string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(request)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &AgentError{Kind: ErrNetwork, Message: err.Error()}
	}
	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, body, resp.Header)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &AgentError{Kind: ErrServer, Message: fmt.Sprintf("invalid response format: %s", truncateBody(body))}
	}
	return nil
}

func classifyTransport(ctx context.Context, err error) *AgentError {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return &AgentError{Kind: ErrCancelled, Message: err.Error()}
	}
	return &AgentError{Kind: ErrNetwork, Message: err.Error()}
}

// classifyStatus maps the backend's HTTP status and error payload into the
// normalized taxonomy. The backend nests its response object under FastAPI's
// "detail" key, but plain detail strings show up for validation errors.
func classifyStatus(status int, body []byte, header http.Header) *AgentError {
	detail := parseErrorDetail(body)

	retryAfter := detail.RetryAfter
	if retryAfter == 0 {
		if v := header.Get("Retry-After"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				retryAfter = n
			}
		}
	}

	message := detail.Error
	if message == "" {
		message = truncateBody(body)
	}

	switch {
	case status == http.StatusTooManyRequests:
		code := detail.ErrorCode
		if code == "" {
			code = CodeRateLimit
		}
		return &AgentError{Kind: ErrQuota, Code: code, Message: message, RetryAfter: retryAfter}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code := detail.ErrorCode
		if code == "" {
			code = CodeAPIKeyInvalid
		}
		return &AgentError{Kind: ErrQuota, Code: code, Message: message, RetryAfter: retryAfter}
	case status == http.StatusGatewayTimeout:
		return &AgentError{Kind: ErrQuota, Code: CodeTimeout, Message: message}
	case detail.ErrorCode != "" && isQuotaCode(detail.ErrorCode):
		return &AgentError{Kind: ErrQuota, Code: detail.ErrorCode, Message: message, RetryAfter: retryAfter}
	case status >= 500:
		return &AgentError{Kind: ErrServer, Message: message}
	default:
		return &AgentError{Kind: ErrClient, Message: message}
	}
}

func parseErrorDetail(body []byte) errorDetail {
	var outer errorBody
	if err := json.Unmarshal(body, &outer); err != nil || len(outer.Detail) == 0 {
		return errorDetail{}
	}
	var detail errorDetail
	if err := json.Unmarshal(outer.Detail, &detail); err == nil {
		return detail
	}
	var plain string
	if err := json.Unmarshal(outer.Detail, &plain); err == nil {
		return errorDetail{Error: plain}
	}
	return errorDetail{}
}

func isQuotaCode(code string) bool {
	switch code {
	case CodeQuotaExceeded, CodeRateLimit, CodeResourceExhausted,
		CodeAPIKeyInvalid, CodeBillingNotEnabled, CodeTimeout:
		return true
	}
	return false
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
