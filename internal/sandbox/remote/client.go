// Package remote implements the sandbox provider on an ephemeral micro-VM
// service. The control plane (create/get/delete) is one REST API; command
// execution goes to a per-sandbox agent reachable through the service's
// proxy domain.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/appforge/sandboxd/internal/config"
	"github.com/appforge/sandboxd/internal/logging"
)

// agentPort is where the in-sandbox agent listens; it is reachable like any
// other sandbox port through the proxy domain.
const agentPort = 49983

// Client talks to the micro-VM control plane and the per-sandbox agents.
type Client struct {
	api    *resty.Client
	agent  *resty.Client
	domain string
	log    *logging.Logger

	// agentBase is overridable so tests can point at a local server.
	agentBase func(sandboxID string) string
}

// NewClient builds the control-plane and agent HTTP clients. The agent
// client carries no global timeout; command deadlines come from the caller's
// context.
func NewClient(cfg config.RemoteConfig, log *logging.Logger) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("remote backend requires REMOTE_API_URL")
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("remote backend requires REMOTE_DOMAIN")
	}

	c := &Client{
		api: resty.New().
			SetBaseURL(cfg.APIURL).
			SetHeader("X-API-Key", cfg.APIToken).
			SetTimeout(cfg.Timeout),
		agent: resty.New().
			SetHeader("X-API-Key", cfg.APIToken),
		domain: cfg.Domain,
		log:    log,
	}
	c.agentBase = func(sandboxID string) string {
		return c.PortURL(sandboxID, agentPort)
	}
	return c, nil
}

// PortURL is the proxy address for one sandbox port.
func (c *Client) PortURL(sandboxID string, port int) string {
	return fmt.Sprintf("https://%d-%s.%s", port, sandboxID, c.domain)
}

type sandboxDescriptor struct {
	SandboxID  string    `json:"sandbox_id"`
	TemplateID string    `json:"template_id"`
	StartedAt  time.Time `json:"started_at"`
	State      string    `json:"state,omitempty"`
}

type createRequest struct {
	TemplateID string            `json:"template_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type execRequest struct {
	Command        string            `json:"command"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

type execResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// CreateSandbox provisions a micro-VM from a template.
func (c *Client) CreateSandbox(ctx context.Context, templateID string, metadata map[string]string) (*sandboxDescriptor, error) {
	var out sandboxDescriptor
	resp, err := c.api.R().
		SetContext(ctx).
		SetBody(createRequest{TemplateID: templateID, Metadata: metadata}).
		SetResult(&out).
		Post("/sandboxes")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("sandbox create returned %d: %s", resp.StatusCode(), resp.String())
	}
	if out.SandboxID == "" {
		return nil, fmt.Errorf("sandbox create returned no id")
	}
	return &out, nil
}

// GetSandbox looks a sandbox up by id. A 404 is (nil, false, nil).
func (c *Client) GetSandbox(ctx context.Context, sandboxID string) (*sandboxDescriptor, bool, error) {
	var out sandboxDescriptor
	resp, err := c.api.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/sandboxes/" + sandboxID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get sandbox %s: %w", sandboxID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.IsError() {
		return nil, false, fmt.Errorf("sandbox get returned %d: %s", resp.StatusCode(), resp.String())
	}
	return &out, true, nil
}

// DeleteSandbox tears a sandbox down. A 404 means it is already gone, which
// is success.
func (c *Client) DeleteSandbox(ctx context.Context, sandboxID string) error {
	resp, err := c.api.R().
		SetContext(ctx).
		Delete("/sandboxes/" + sandboxID)
	if err != nil {
		return fmt.Errorf("failed to delete sandbox %s: %w", sandboxID, err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("sandbox delete returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Exec runs a command through the sandbox's agent. The agent enforces the
// in-request timeout and reports the synthetic timeout exit code itself.
func (c *Client) Exec(ctx context.Context, sandboxID string, req execRequest) (*execResponse, error) {
	var out execResponse
	resp, err := c.agent.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(c.agentBase(sandboxID) + "/exec")
	if err != nil {
		return nil, fmt.Errorf("failed to reach sandbox agent: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("sandbox agent returned %d: %s", resp.StatusCode(), resp.String())
	}
	return &out, nil
}
