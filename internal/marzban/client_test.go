package marzban

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPanel(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "admin", "secret", ""), srv
}

func writeToken(w http.ResponseWriter, token string) {
	_ = json.NewEncoder(w).Encode(map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func TestClientTokenIsCachedAcrossRequests(t *testing.T) {
	var tokenCalls atomic.Int64

	client, _ := newTestPanel(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/admin/token":
			tokenCalls.Add(1)
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "admin", r.FormValue("username"))
			assert.Equal(t, "secret", r.FormValue("password"))
			writeToken(w, "tok-1")
		case "/api/user/alice":
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(PanelUser{Username: "alice", Status: "active"})
		default:
			http.NotFound(w, r)
		}
	})

	for range 3 {
		user, err := client.GetUser(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", user.Username)
	}

	assert.Equal(t, int64(1), tokenCalls.Load())
}

func TestClientRetriesOnceOnUnauthorized(t *testing.T) {
	var tokenCalls atomic.Int64

	client, _ := newTestPanel(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/admin/token":
			n := tokenCalls.Add(1)
			writeToken(w, fmt.Sprintf("tok-%d", n))
		case "/api/user/alice":
			// The first token is treated as stale, the refreshed one works.
			if r.Header.Get("Authorization") == "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(PanelUser{Username: "alice", Status: "active"})
		default:
			http.NotFound(w, r)
		}
	})

	user, err := client.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, int64(2), tokenCalls.Load())
}

func TestClientPersistentUnauthorizedFails(t *testing.T) {
	client, _ := newTestPanel(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/admin/token" {
			writeToken(w, "tok")
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.GetUser(context.Background(), "alice")
	require.Error(t, err)

	var authErr *AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}

func TestClientBadCredentials(t *testing.T) {
	client, _ := newTestPanel(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Incorrect username or password"}`))
	})

	_, err := client.GetSystemStats(context.Background())
	require.Error(t, err)

	var authErr *AuthenticationError
	assert.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Body, "Incorrect username")
}

func TestClientAPIErrorCarriesStatus(t *testing.T) {
	client, _ := newTestPanel(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/admin/token" {
			writeToken(w, "tok")
			return
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"detail":"User already exists"}`))
	})

	_, err := client.CreateUser(context.Background(), "alice", GBToBytes(10), client.CalculateExpireTimestamp(30))
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.False(t, IsNotFound(err))
}

func TestIsNotFound(t *testing.T) {
	client, _ := newTestPanel(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/admin/token" {
			writeToken(w, "tok")
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetUser(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	err = client.DeleteUser(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestClientCreateUserPayload(t *testing.T) {
	client, _ := newTestPanel(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/admin/token":
			writeToken(w, "tok")
		case "/api/user":
			assert.Equal(t, http.MethodPost, r.Method)

			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "alice", req["username"])
			assert.Equal(t, "active", req["status"])
			assert.Equal(t, "no_reset", req["data_limit_reset_strategy"])
			assert.EqualValues(t, 1073741824, req["data_limit"])

			_ = json.NewEncoder(w).Encode(PanelUser{Username: "alice", Status: "active", DataLimit: 1073741824})
		default:
			http.NotFound(w, r)
		}
	})

	user, err := client.CreateUser(context.Background(), "alice", GBToBytes(1), client.CalculateExpireTimestamp(7))
	require.NoError(t, err)
	assert.EqualValues(t, 1073741824, user.DataLimit)
}

func TestSubscriptionLink(t *testing.T) {
	client := NewClient("https://panel.example.com", "admin", "secret", "https://sub.example.com/")
	assert.Equal(t, "https://sub.example.com/sub/alice", client.SubscriptionLink("alice"))

	client = NewClient("https://panel.example.com/", "admin", "secret", "")
	assert.Equal(t, "https://panel.example.com/sub/alice", client.SubscriptionLink("alice"))
}
