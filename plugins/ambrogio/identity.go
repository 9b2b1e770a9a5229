package ambrogio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	identityBaseURL    = "https://www.googleapis.com"
	verifyPasswordPath = "/identitytoolkit/v3/relyingparty/verifyPassword"
	secureTokenURL     = "https://securetoken.googleapis.com/v1/token"
	identityUserAgent  = "Dalvik/2.1.0 (Linux; U; Android 9;"
)

// Identity is the result of an account login.
type Identity struct {
	// AccessToken is the account id used as the TR50 thing key.
	AccessToken  string
	SessionToken string
	RefreshToken string
	Expiry       time.Time
}

// IdentityError is an error reported by the identity service.
type IdentityError struct {
	Code    int
	Message string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("identity service: %d %s", e.Code, e.Message)
}

// IdentityClient logs in to the account service used by the mower app.
type IdentityClient struct {
	BaseURL  string
	TokenURL string

	apiKey     string
	httpClient *http.Client
}

func NewIdentityClient(apiKey string, httpClient *http.Client) *IdentityClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &IdentityClient{
		BaseURL:    identityBaseURL,
		TokenURL:   secureTokenURL,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type identityErrorBody struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// VerifyPassword exchanges e-mail and password for an identity.
func (c *IdentityClient) VerifyPassword(ctx context.Context, email, password string) (Identity, error) {
	payload, err := json.Marshal(map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})
	if err != nil {
		return Identity{}, err
	}

	endpoint := strings.TrimSuffix(c.BaseURL, "/") + verifyPasswordPath + "?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", identityUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("verify password: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseLength))
	if err != nil {
		return Identity{}, fmt.Errorf("verify password: %w", err)
	}

	var out struct {
		identityErrorBody
		LocalID      string `json:"localId"`
		IDToken      string `json:"idToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    string `json:"expiresIn"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Identity{}, fmt.Errorf("verify password: http %d: decode: %w", resp.StatusCode, err)
	}
	if out.Error != nil {
		return Identity{}, &IdentityError{Code: out.Error.Code, Message: out.Error.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return Identity{}, &IdentityError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	if out.LocalID == "" || out.IDToken == "" {
		return Identity{}, &IdentityError{Code: resp.StatusCode, Message: "response missing localId or idToken"}
	}

	identity := Identity{
		AccessToken:  out.LocalID,
		SessionToken: out.IDToken,
		RefreshToken: out.RefreshToken,
	}
	if seconds, err := strconv.Atoi(out.ExpiresIn); err == nil && seconds > 0 {
		identity.Expiry = time.Now().Add(time.Duration(seconds) * time.Second)
	}
	return identity, nil
}

// RefreshSession trades a refresh token for a new session token.
func (c *IdentityClient) RefreshSession(ctx context.Context, refreshToken string) (Identity, error) {
	if refreshToken == "" {
		return Identity{}, errors.New("refresh token is required")
	}

	cfg := oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.TokenURL + "?key=" + url.QueryEscape(c.apiKey),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return Identity{}, identityErrorFrom(retrieveErr)
		}
		return Identity{}, fmt.Errorf("refresh session: %w", err)
	}

	identity := Identity{
		AccessToken:  stringFrom(tok.Extra("user_id")),
		SessionToken: stringFrom(tok.Extra("id_token")),
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if identity.SessionToken == "" {
		identity.SessionToken = tok.AccessToken
	}
	return identity, nil
}

func identityErrorFrom(err *oauth2.RetrieveError) error {
	status := 0
	if err.Response != nil {
		status = err.Response.StatusCode
	}
	var body identityErrorBody
	if json.Unmarshal(err.Body, &body) == nil && body.Error != nil {
		return &IdentityError{Code: body.Error.Code, Message: body.Error.Message}
	}
	message := strings.TrimSpace(string(err.Body))
	if message == "" {
		message = err.Error()
	}
	return &IdentityError{Code: status, Message: message}
}
