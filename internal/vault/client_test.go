package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVault serves the few endpoints the client uses.
func fakeVault(t *testing.T) *httptest.Server {
	t.Helper()
	reply := func(w http.ResponseWriter, body any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/approle/role/backup/secret-id", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"data": map[string]any{"secret_id": "sid-1"}})
	})
	mux.HandleFunc("/v1/auth/approle/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["role_id"] != "role-1" || body["secret_id"] != "sid-1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		reply(w, map[string]any{"auth": map[string]any{"client_token": "approle-token"}})
	})
	mux.HandleFunc("/v1/secret/data/hosts/web-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "approle-token" && r.Header.Get("X-Vault-Token") != "static" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		reply(w, map[string]any{"data": map[string]any{
			"data": map[string]any{"user": "backup", "port": 2222, "identity_file": "/keys/web"},
		}})
	})
	mux.HandleFunc("/v1/kv/hosts/db-1", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"data": map[string]any{"user": "root", "port": "2200"}})
	})
	mux.HandleFunc("/v1/kv/hosts/unknown", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHostParams_AppRole(t *testing.T) {
	srv := fakeVault(t)
	c, err := NewClient(context.Background(),
		WithAddress(srv.URL),
		WithAppRole("role-1", "backup"),
		WithKVPath("secret/data/hosts/"),
	)
	require.NoError(t, err)

	params, err := c.HostParams(context.Background(), "web-1")
	require.NoError(t, err)
	assert.Equal(t, HostParams{User: "backup", Port: 2222, IdentityFile: "/keys/web"}, params)
}

func TestHostParams_KVv1WithStringPort(t *testing.T) {
	srv := fakeVault(t)
	c, err := NewClient(context.Background(), WithAddress(srv.URL), WithToken("static"), WithKVPath("kv/hosts"))
	require.NoError(t, err)

	params, err := c.HostParams(context.Background(), "db-1")
	require.NoError(t, err)
	assert.Equal(t, HostParams{User: "root", Port: 2200}, params)
}

func TestHostParams_Missing(t *testing.T) {
	srv := fakeVault(t)
	c, err := NewClient(context.Background(), WithAddress(srv.URL), WithToken("static"), WithKVPath("kv/hosts"))
	require.NoError(t, err)

	_, err = c.HostParams(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrNoSecret)
}

func TestNewClient_AppRoleRejected(t *testing.T) {
	srv := fakeVault(t)
	_, err := NewClient(context.Background(), WithAddress(srv.URL), WithAppRole("wrong", "backup"))
	require.ErrorIs(t, err, ErrClientInit)
}
