package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/sandboxd/internal/config"
	"github.com/appforge/sandboxd/internal/logging"
	"github.com/appforge/sandboxd/internal/sandbox"
)

type fakeWatches struct {
	mu           sync.Mutex
	subscribed   map[string]sandbox.WatchCallback
	unsubscribed []string
}

func newFakeWatches() *fakeWatches {
	return &fakeWatches{subscribed: make(map[string]sandbox.WatchCallback)}
}

func (f *fakeWatches) Watch(root, projectID string, cb sandbox.WatchCallback) error { return nil }
func (f *fakeWatches) Unwatch(root, projectID string)                               {}

func (f *fakeWatches) Subscribe(projectID string, cb sandbox.WatchCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[projectID] = cb
}

func (f *fakeWatches) Unsubscribe(projectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribed, projectID)
	f.unsubscribed = append(f.unsubscribed, projectID)
}

func (f *fakeWatches) Emit(event sandbox.EventType, absPath, projectID string) {}

// controlPlane is a scripted stand-in for the micro-VM service.
type controlPlane struct {
	mu        sync.Mutex
	creates   int
	deletes   int
	sandboxes map[string]bool
	deleted   map[string]bool
}

func (cp *controlPlane) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		cp.mu.Lock()
		cp.creates++
		id := "sbx-1"
		cp.sandboxes[id] = true
		cp.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"sandbox_id": id})
	})
	mux.HandleFunc("GET /sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		cp.mu.Lock()
		alive := cp.sandboxes[id]
		cp.mu.Unlock()
		if !alive {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"sandbox_id": id, "state": "running"})
	})
	mux.HandleFunc("DELETE /sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		cp.mu.Lock()
		cp.deletes++
		alreadyGone := cp.deleted[id]
		delete(cp.sandboxes, id)
		cp.deleted[id] = true
		cp.mu.Unlock()
		if alreadyGone {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// agentStub answers /exec with a scripted response.
type agentStub struct {
	mu       sync.Mutex
	requests []execRequest
	respond  func(req execRequest) execResponse
}

func (a *agentStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /exec", func(w http.ResponseWriter, r *http.Request) {
		var req execRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		a.requests = append(a.requests, req)
		respond := a.respond
		a.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(respond(req))
	})
	return mux
}

func newTestProvider(t *testing.T, agent *agentStub) (*Provider, *controlPlane, *fakeWatches) {
	t.Helper()

	cp := &controlPlane{sandboxes: make(map[string]bool), deleted: make(map[string]bool)}
	cpServer := httptest.NewServer(cp.handler())
	t.Cleanup(cpServer.Close)

	agentServer := httptest.NewServer(agent.handler())
	t.Cleanup(agentServer.Close)

	cfg := config.Default()
	cfg.Remote.APIURL = cpServer.URL
	cfg.Remote.Domain = "sbx.test"

	client, err := NewClient(cfg.Remote, logging.NewNop())
	require.NoError(t, err)
	client.agentBase = func(string) string { return agentServer.URL }

	watches := newFakeWatches()
	p := &Provider{
		cfg:     cfg,
		client:  client,
		log:     logging.NewNop(),
		watches: watches,
		handles: make(map[string]*handle),
		locks:   make(map[string]*sync.Mutex),
	}
	return p, cp, watches
}

func echoAgent() *agentStub {
	return &agentStub{respond: func(req execRequest) execResponse {
		return execResponse{Stdout: req.Command, ExitCode: 0}
	}}
}

func TestCreateProjectSandboxIsIdempotent(t *testing.T) {
	p, cp, _ := newTestProvider(t, echoAgent())
	ctx := context.Background()

	first, err := p.CreateProjectSandbox(ctx, "proj", sandbox.CreateOptions{})
	require.NoError(t, err)
	second, err := p.CreateProjectSandbox(ctx, "proj", sandbox.CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, cp.creates)
	assert.True(t, p.IsSandboxActive("proj"))
}

func TestExecuteCommandPassesThroughAgentResult(t *testing.T) {
	agent := &agentStub{respond: func(req execRequest) execResponse {
		return execResponse{Stdout: "out", Stderr: "warn", ExitCode: 2}
	}}
	p, _, _ := newTestProvider(t, agent)
	ctx := context.Background()

	_, err := p.CreateProjectSandbox(ctx, "proj", sandbox.CreateOptions{})
	require.NoError(t, err)

	result := p.ExecuteCommand(ctx, "proj", "make build", sandbox.ExecOptions{WorkingDir: "app"})
	assert.Equal(t, "out", result.Stdout)
	assert.Equal(t, "warn", result.Stderr)
	assert.Equal(t, 2, result.ExitCode)
	assert.False(t, result.Success())

	require.Len(t, agent.requests, 1)
	assert.Equal(t, "make build", agent.requests[0].Command)
	assert.Equal(t, workspaceRoot+"/app", agent.requests[0].WorkingDir)
	assert.Equal(t, 30, agent.requests[0].TimeoutSeconds)
}

func TestExecuteCommandWithoutSandboxFailsStructured(t *testing.T) {
	p, _, _ := newTestProvider(t, echoAgent())

	result := p.ExecuteCommand(context.Background(), "ghost", "ls", sandbox.ExecOptions{})
	assert.Equal(t, 1, result.ExitCode)
	assert.Contains(t, result.Stderr, "sandbox not found")
}

func TestConcurrentExecAndSnapshot(t *testing.T) {
	p, _, _ := newTestProvider(t, echoAgent())
	ctx := context.Background()

	_, err := p.CreateProjectSandbox(ctx, "proj", sandbox.CreateOptions{})
	require.NoError(t, err)

	// Commands bump LastActivity while snapshots copy the descriptor;
	// run both to let the race detector check the handle locking.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 25; i++ {
			p.ExecuteCommand(ctx, "proj", "true", sandbox.ExecOptions{})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if info, ok := p.GetSandboxInfo("proj"); ok {
				_ = info.LastActivity
			}
			_ = p.IsSandboxActive("proj")
		}
	}()
	wg.Wait()
}

func TestDestroySandboxIsIdempotent(t *testing.T) {
	p, cp, watches := newTestProvider(t, echoAgent())
	ctx := context.Background()

	// Nothing provisioned yet: destroy still succeeds.
	ok, err := p.DestroySandbox(ctx, "proj")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = p.CreateProjectSandbox(ctx, "proj", sandbox.CreateOptions{})
	require.NoError(t, err)

	ok, err = p.DestroySandbox(ctx, "proj")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, p.IsSandboxActive("proj"))
	assert.Contains(t, watches.unsubscribed, "proj")
	assert.Equal(t, 1, cp.deletes)

	// Destroy again: no handle, trivially true.
	ok, err = p.DestroySandbox(ctx, "proj")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteSandboxTreats404AsSuccess(t *testing.T) {
	p, cp, _ := newTestProvider(t, echoAgent())
	ctx := context.Background()

	cp.deleted["sbx-9"] = true
	require.NoError(t, p.client.DeleteSandbox(ctx, "sbx-9"))
}

func TestReconnectToSandbox(t *testing.T) {
	p, cp, _ := newTestProvider(t, echoAgent())
	ctx := context.Background()

	assert.False(t, p.ReconnectToSandbox(ctx, "proj", "sbx-gone"))

	cp.sandboxes["sbx-1"] = true
	assert.True(t, p.ReconnectToSandbox(ctx, "proj", "sbx-1"))
	info, ok := p.GetSandboxInfo("proj")
	require.True(t, ok)
	assert.Equal(t, "sbx-1", info.ID)
	assert.Equal(t, sandbox.StatusActive, info.Status)
}

func TestPortURLFormat(t *testing.T) {
	p, _, _ := newTestProvider(t, echoAgent())
	assert.Equal(t, "https://3000-sbx-1.sbx.test", p.client.PortURL("sbx-1", 3000))
}

func TestEnsurePortExposedChecksListeners(t *testing.T) {
	ssOut := "LISTEN 0 511 0.0.0.0:3000 0.0.0.0:* users:((\"node\",pid=42,fd=20))\n"
	agent := &agentStub{respond: func(req execRequest) execResponse {
		return execResponse{Stdout: ssOut, ExitCode: 0}
	}}
	p, _, _ := newTestProvider(t, agent)
	ctx := context.Background()

	_, err := p.CreateProjectSandbox(ctx, "proj", sandbox.CreateOptions{})
	require.NoError(t, err)

	assert.NoError(t, p.EnsurePortExposed(ctx, "proj", 3000))
	assert.ErrorContains(t, p.EnsurePortExposed(ctx, "proj", 9999), "no listener")
}

func TestSetupFileWatcherSubscribes(t *testing.T) {
	p, _, watches := newTestProvider(t, echoAgent())
	ctx := context.Background()

	cb := func(event sandbox.EventType, absPath, projectID string) {}
	assert.Error(t, p.SetupFileWatcher("proj", cb))

	_, err := p.CreateProjectSandbox(ctx, "proj", sandbox.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, p.SetupFileWatcher("proj", cb))
	assert.Contains(t, watches.subscribed, "proj")
}
