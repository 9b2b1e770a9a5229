package ambrogio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	requestTimeout    = 10 * time.Second
	authenticateCmd   = "api.authenticate"
	maxResponseLength = 4 << 20
)

// Executor sends a single command to the cloud and returns its result params.
type Executor interface {
	Execute(ctx context.Context, command string, params any) (json.RawMessage, error)
}

// Credentials authenticate the plugin against the device cloud.
type Credentials struct {
	AppID string
	// AppToken is the application token issued to the mobile app.
	AppToken string
	// ThingKey is the account access token resolved at login.
	ThingKey string
}

// Transport issues session-authenticated command envelopes to the TR50 RPC
// endpoint used by the mower cloud.
type Transport struct {
	endpoint   string
	creds      Credentials
	httpClient *http.Client
	logger     *zap.Logger

	mu         sync.Mutex
	sessionID  string
	lastResult json.RawMessage

	// authMu serializes authentication so concurrent callers share one new session.
	authMu sync.Mutex
}

func NewTransport(endpoint string, creds Credentials, httpClient *http.Client, logger *zap.Logger) *Transport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		endpoint:   endpoint,
		creds:      creds,
		httpClient: httpClient,
		logger:     logger,
	}
}

type envelope struct {
	Auth *authBlock    `json:"auth,omitempty"`
	Data *commandBlock `json:"data,omitempty"`
}

type authBlock struct {
	SessionID string `json:"sessionId,omitempty"`
	Command   string `json:"command,omitempty"`
	Params    any    `json:"params,omitempty"`
}

type commandBlock struct {
	Command string `json:"command"`
	Params  any    `json:"params,omitempty"`
}

type authParams struct {
	AppID    string `json:"appId"`
	AppToken string `json:"appToken"`
	ThingKey string `json:"thingKey"`
}

type replyBlock struct {
	Success       *bool           `json:"success"`
	ErrorMessages []string        `json:"errorMessages"`
	Params        json.RawMessage `json:"params"`
}

type reply struct {
	Success       *bool       `json:"success"`
	ErrorMessages []string    `json:"errorMessages"`
	Data          *replyBlock `json:"data"`
	Auth          *replyBlock `json:"auth"`
}

// Execute sends command with params, authenticating first when no session is
// cached. A rejected session triggers one re-authentication and one resend.
func (t *Transport) Execute(ctx context.Context, command string, params any) (json.RawMessage, error) {
	session, err := t.session(ctx)
	if err != nil {
		return nil, err
	}

	result, err := t.call(ctx, session, command, params)
	var authErr *AuthError
	if err == nil || !errors.As(err, &authErr) {
		return result, err
	}

	t.logger.Info("session rejected, re-authenticating", zap.String("command", command))
	session, err = t.renewSession(ctx, session)
	if err != nil {
		return nil, err
	}
	return t.call(ctx, session, command, params)
}

// LastResponse returns the params of the most recent successful command.
func (t *Transport) LastResponse() json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastResult
}

func (t *Transport) session(ctx context.Context) (string, error) {
	t.mu.Lock()
	session := t.sessionID
	t.mu.Unlock()
	if session != "" {
		return session, nil
	}
	return t.renewSession(ctx, "")
}

// renewSession authenticates unless another caller already replaced stale.
func (t *Transport) renewSession(ctx context.Context, stale string) (string, error) {
	t.authMu.Lock()
	defer t.authMu.Unlock()

	t.mu.Lock()
	current := t.sessionID
	t.mu.Unlock()
	if current != "" && current != stale {
		return current, nil
	}

	t.mu.Lock()
	if t.sessionID == stale {
		t.sessionID = ""
	}
	t.mu.Unlock()

	body := envelope{Auth: &authBlock{
		Command: authenticateCmd,
		Params: authParams{
			AppID:    t.creds.AppID,
			AppToken: t.creds.AppToken,
			ThingKey: t.creds.ThingKey,
		},
	}}
	resp, err := t.post(ctx, authenticateCmd, body)
	if err != nil {
		return "", err
	}
	if resp.Auth == nil || !succeeded(resp.Auth.Success, resp.Success) {
		return "", &AuthError{Messages: collectMessages(resp)}
	}

	var out struct {
		SessionID string `json:"sessionId"`
	}
	if len(resp.Auth.Params) > 0 {
		if err := json.Unmarshal(resp.Auth.Params, &out); err != nil {
			return "", &CommunicationError{Command: authenticateCmd, Err: err}
		}
	}
	if out.SessionID == "" {
		return "", &AuthError{Messages: []string{"no session id in response"}}
	}

	t.mu.Lock()
	t.sessionID = out.SessionID
	t.mu.Unlock()
	t.logger.Debug("authenticated")
	return out.SessionID, nil
}

func (t *Transport) call(ctx context.Context, session, command string, params any) (json.RawMessage, error) {
	body := envelope{
		Auth: &authBlock{SessionID: session},
		Data: &commandBlock{Command: command, Params: params},
	}
	resp, err := t.post(ctx, command, body)
	if err != nil {
		return nil, err
	}

	if resp.Data == nil {
		if resp.Success != nil && !*resp.Success {
			return nil, &AuthError{Session: true, Messages: collectMessages(resp)}
		}
		return nil, &CommunicationError{Command: command, Messages: []string{"response has no data block"}}
	}
	if !succeeded(resp.Data.Success, resp.Success) {
		return nil, &CommunicationError{Command: command, Messages: collectMessages(resp)}
	}

	t.mu.Lock()
	t.lastResult = resp.Data.Params
	t.mu.Unlock()
	return resp.Data.Params, nil
}

func (t *Transport) post(ctx context.Context, command string, body envelope) (reply, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return reply{}, fmt.Errorf("encode %s: %w", command, err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return reply{}, &CommunicationError{Command: command, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return reply{}, &CommunicationError{Command: command, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return reply{}, &AuthError{Status: resp.StatusCode, Session: command != authenticateCmd}
	}
	if resp.StatusCode != http.StatusOK {
		return reply{}, &CommunicationError{Command: command, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseLength))
	if err != nil {
		return reply{}, &CommunicationError{Command: command, Err: err}
	}
	var out reply
	if err := json.Unmarshal(data, &out); err != nil {
		return reply{}, &CommunicationError{Command: command, Err: fmt.Errorf("decode response: %w", err)}
	}
	return out, nil
}

// succeeded treats a missing nested flag as inheriting the top-level one.
func succeeded(nested, top *bool) bool {
	if nested != nil {
		return *nested
	}
	if top != nil {
		return *top
	}
	return false
}

func collectMessages(resp reply) []string {
	var out []string
	out = append(out, resp.ErrorMessages...)
	if resp.Data != nil {
		out = append(out, resp.Data.ErrorMessages...)
	}
	if resp.Auth != nil {
		out = append(out, resp.Auth.ErrorMessages...)
	}
	return out
}
