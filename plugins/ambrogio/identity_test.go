package ambrogio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newIdentityServer(t *testing.T) (*IdentityClient, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(verifyPasswordPath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "api-key" {
			t.Fatalf("expected api key in query, got %q", r.URL.RawQuery)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"code":400,"message":"INVALID_PASSWORD"}}`)
			return
		}
		if body["email"] != "user@example.com" || body["returnSecureToken"] != true {
			t.Fatalf("unexpected login body: %v", body)
		}
		_, _ = io.WriteString(w, `{"localId":"user-1","idToken":"id-1","refreshToken":"refresh-1","expiresIn":"3600"}`)
	})
	mux.HandleFunc("/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "api-key" {
			t.Fatalf("expected api key in query, got %q", r.URL.RawQuery)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("refresh_token") != "refresh-1" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"code":400,"message":"TOKEN_EXPIRED"}}`)
			return
		}
		if r.PostForm.Get("grant_type") != "refresh_token" {
			t.Fatalf("unexpected grant type: %q", r.PostForm.Get("grant_type"))
		}
		_, _ = io.WriteString(w, `{"access_token":"access-2","expires_in":3600,"token_type":"Bearer","refresh_token":"refresh-2","id_token":"id-2","user_id":"user-1"}`)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewIdentityClient("api-key", server.Client())
	client.BaseURL = server.URL
	client.TokenURL = server.URL + "/v1/token"
	return client, server
}

func TestVerifyPassword(t *testing.T) {
	client, _ := newIdentityServer(t)

	identity, err := client.VerifyPassword(context.Background(), "user@example.com", "secret")
	if err != nil {
		t.Fatalf("VerifyPassword error: %v", err)
	}
	if identity.AccessToken != "user-1" || identity.SessionToken != "id-1" || identity.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if identity.Expiry.IsZero() {
		t.Fatalf("expected expiry to be set")
	}

	_, err = client.VerifyPassword(context.Background(), "user@example.com", "wrong")
	var idErr *IdentityError
	if !errors.As(err, &idErr) || idErr.Code != 400 || idErr.Message != "INVALID_PASSWORD" {
		t.Fatalf("expected INVALID_PASSWORD IdentityError, got %v", err)
	}
}

func TestRefreshSession(t *testing.T) {
	client, _ := newIdentityServer(t)

	identity, err := client.RefreshSession(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("RefreshSession error: %v", err)
	}
	if identity.AccessToken != "user-1" || identity.SessionToken != "id-2" || identity.RefreshToken != "refresh-2" {
		t.Fatalf("unexpected identity: %+v", identity)
	}

	_, err = client.RefreshSession(context.Background(), "stale")
	var idErr *IdentityError
	if !errors.As(err, &idErr) || idErr.Message != "TOKEN_EXPIRED" {
		t.Fatalf("expected TOKEN_EXPIRED IdentityError, got %v", err)
	}

	if _, err := client.RefreshSession(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty refresh token")
	}
}
