package fleet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/sandboxd/internal/config"
	"github.com/appforge/sandboxd/internal/logging"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.Default().Fleet
	cfg.APIURL = server.URL
	cfg.AppName = "sandboxd-app"
	cfg.APIToken = "token"

	client, err := NewClient(cfg, logging.NewNop())
	require.NoError(t, err)
	return client
}

func TestCreateMachineSendsIdleInit(t *testing.T) {
	var got createMachineRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /apps/sandboxd-app/machines", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(machine{ID: "m-1", State: "created"})
	})

	c := newTestClient(t, mux)
	m, err := c.CreateMachine(context.Background(), "sandboxd-proj", "ubuntu:22.04", "iad", map[string]string{"PROJECT_ID": "proj"})
	require.NoError(t, err)

	assert.Equal(t, "m-1", m.ID)
	assert.Equal(t, "sandboxd-proj", got.Name)
	assert.Equal(t, "ubuntu:22.04", got.Config.Image)
	assert.Equal(t, []string{"sleep", "inf"}, got.Config.Init.Exec)
	assert.Equal(t, "proj", got.Config.Env["PROJECT_ID"])
}

func TestGetMachineNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /apps/sandboxd-app/machines/m-gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := newTestClient(t, mux)
	m, found, err := c.GetMachine(context.Background(), "m-gone")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, m)
}

func TestDestroyMachineTreats404AsSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /apps/sandboxd-app/machines/m-gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := newTestClient(t, mux)
	assert.NoError(t, c.DestroyMachine(context.Background(), "m-gone"))
}

func TestExecWrapsCommandInShell(t *testing.T) {
	var got execMachineRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /apps/sandboxd-app/machines/m-1/exec", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(execMachineResponse{Stdout: "done", ExitCode: 0})
	})

	c := newTestClient(t, mux)
	resp, err := c.Exec(context.Background(), "m-1", "echo hi", 30)
	require.NoError(t, err)

	assert.Equal(t, "done", resp.Stdout)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, got.Command)
	assert.Equal(t, 30, got.Timeout)
}

func TestAppURL(t *testing.T) {
	mux := http.NewServeMux()
	c := newTestClient(t, mux)

	assert.Equal(t, "https://sandboxd-app.fly.dev", c.AppURL(443))
	assert.Equal(t, "https://sandboxd-app.fly.dev:3000", c.AppURL(3000))
}
