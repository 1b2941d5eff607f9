// Package fleet implements the sandbox provider on a fleet machine service:
// long-lived micro-VM machines managed through a REST machines API under a
// single app. The API is flaky under load, so every call goes through a
// retrying HTTP client.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/appforge/sandboxd/internal/config"
	"github.com/appforge/sandboxd/internal/logging"
)

// Client talks to the machines API for one app.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	token   string
	appName string
	domain  string
	log     *logging.Logger
}

// NewClient builds the machines API client. Request deadlines come from the
// caller's context; the retry budget stays small so deadlines are honored.
func NewClient(cfg config.FleetConfig, log *logging.Logger) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("fleet backend requires FLEET_API_URL")
	}
	if cfg.AppName == "" {
		return nil, fmt.Errorf("fleet backend requires FLEET_APP_NAME")
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil

	return &Client{
		http:    rc,
		baseURL: cfg.APIURL,
		token:   cfg.APIToken,
		appName: cfg.AppName,
		domain:  cfg.Domain,
		log:     log,
	}, nil
}

// AppURL is the public address for one machine port. The app domain fronts
// standard ports directly; others ride on an explicit port suffix.
func (c *Client) AppURL(port int) string {
	if port == 80 || port == 443 {
		return fmt.Sprintf("https://%s.%s", c.appName, c.domain)
	}
	return fmt.Sprintf("https://%s.%s:%d", c.appName, c.domain, port)
}

type machine struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Region    string `json:"region"`
	PrivateIP string `json:"private_ip,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type machineGuest struct {
	CPUKind  string `json:"cpu_kind"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
}

type machineInit struct {
	Exec []string `json:"exec,omitempty"`
}

type machineConfig struct {
	Image string            `json:"image"`
	Guest machineGuest      `json:"guest"`
	Env   map[string]string `json:"env,omitempty"`
	Init  machineInit       `json:"init"`
}

type createMachineRequest struct {
	Name   string        `json:"name"`
	Region string        `json:"region,omitempty"`
	Config machineConfig `json:"config"`
}

type execMachineRequest struct {
	Command []string `json:"command"`
	Timeout int      `json:"timeout"`
}

type execMachineResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// do issues one JSON request and decodes the response into out when given.
// The HTTP status is returned alongside so callers can special-case 404.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("machines API request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, fmt.Errorf("machines API returned %d: %s", resp.StatusCode, string(payload))
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) machinesPath(suffix string) string {
	return fmt.Sprintf("/apps/%s/machines%s", c.appName, suffix)
}

// CreateMachine provisions one machine running an idle init command.
func (c *Client) CreateMachine(ctx context.Context, name, image, region string, env map[string]string) (*machine, error) {
	req := createMachineRequest{
		Name:   name,
		Region: region,
		Config: machineConfig{
			Image: image,
			Guest: machineGuest{CPUKind: "shared", CPUs: 1, MemoryMB: 1024},
			Env:   env,
			Init:  machineInit{Exec: []string{"sleep", "inf"}},
		},
	}
	var out machine
	if _, err := c.do(ctx, http.MethodPost, c.machinesPath(""), req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("machine create returned no id")
	}
	return &out, nil
}

// GetMachine looks a machine up by id. A 404 is (nil, false, nil).
func (c *Client) GetMachine(ctx context.Context, machineID string) (*machine, bool, error) {
	var out machine
	status, err := c.do(ctx, http.MethodGet, c.machinesPath("/"+machineID), nil, &out)
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &out, true, nil
}

// StartMachine starts a stopped machine.
func (c *Client) StartMachine(ctx context.Context, machineID string) error {
	_, err := c.do(ctx, http.MethodPost, c.machinesPath("/"+machineID+"/start"), nil, nil)
	return err
}

// WaitStarted blocks until the machine reports the started state.
func (c *Client) WaitStarted(ctx context.Context, machineID string) error {
	_, err := c.do(ctx, http.MethodGet, c.machinesPath("/"+machineID+"/wait?state=started"), nil, nil)
	return err
}

// DestroyMachine force-removes a machine. A 404 means it is already gone,
// which is success.
func (c *Client) DestroyMachine(ctx context.Context, machineID string) error {
	status, err := c.do(ctx, http.MethodDelete, c.machinesPath("/"+machineID+"?force=true"), nil, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

// mustExec runs a setup command and treats any non-zero exit as an error.
// Used during provisioning, where a failed step means a broken machine.
func (c *Client) mustExec(ctx context.Context, machineID, command string) error {
	resp, err := c.Exec(ctx, machineID, command, 30)
	if err != nil {
		return err
	}
	if resp.ExitCode != 0 {
		return fmt.Errorf("setup command failed (exit %d): %s", resp.ExitCode, resp.Stderr)
	}
	return nil
}

// Exec runs a shell command on the machine. The API enforces the timeout
// and reports the synthetic timeout exit code itself.
func (c *Client) Exec(ctx context.Context, machineID, command string, timeoutSec int) (*execMachineResponse, error) {
	req := execMachineRequest{
		Command: []string{"/bin/sh", "-c", command},
		Timeout: timeoutSec,
	}
	var out execMachineResponse
	if _, err := c.do(ctx, http.MethodPost, c.machinesPath("/"+machineID+"/exec"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
