package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/appforge/sandboxd/internal/logging"
	"github.com/appforge/sandboxd/internal/sandbox"
)

const pingTimeout = 5 * time.Second

// Client wraps the Docker engine connection. It owns image resolution and
// bounded command execution; sandbox lifecycle lives in the Provider.
type Client struct {
	api *client.Client
	log *logging.Logger
}

// NewClient connects to the Docker engine and verifies it responds.
// An unreachable engine is a configuration-time error.
func NewClient(host string, log *logging.Logger) (*Client, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if _, err := api.Ping(ctx); err != nil {
		api.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	return &Client{api: api, log: log}, nil
}

// API exposes the raw engine client to the provider.
func (c *Client) API() *client.Client {
	return c.api
}

// EnsureImage pulls the image when it is missing locally. The pull uses its
// own background deadline so short caller deadlines do not abort it.
func (c *Client) EnsureImage(image string) error {
	if image == "" {
		return fmt.Errorf("image is empty")
	}

	pullCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	reader, err := c.api.ImagePull(pullCtx, image, imagetypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer reader.Close()

	// Drain pull output so the pull actually completes.
	_, _ = io.Copy(io.Discard, reader)
	c.log.Info("Image pulled", zap.String("image", image))
	return nil
}

// IsImageMissing reports whether err is the engine's missing-image error.
func IsImageMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "No such image") || strings.Contains(msg, "not found")
}

// IsNotFound reports whether err is the engine's missing-container error.
func IsNotFound(err error) bool {
	return err != nil && client.IsErrNotFound(err)
}

// Exec runs a shell command inside a container with a hard deadline,
// returning a structured result. Deadline hits yield the synthetic timeout
// exit code; transport failures yield exit code 1 with the message in
// stderr. It never returns an error for a non-zero exit.
func (c *Client) Exec(ctx context.Context, containerID, command, workdir string, env map[string]string, timeout time.Duration) *sandbox.CommandResult {
	start := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execConfig := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	}
	if workdir != "" {
		execConfig.WorkingDir = workdir
	}
	for k, v := range env {
		execConfig.Env = append(execConfig.Env, fmt.Sprintf("%s=%s", k, v))
	}

	execResp, err := c.api.ContainerExecCreate(execCtx, containerID, execConfig)
	if err != nil {
		return sandbox.FailureResult(fmt.Errorf("failed to create exec: %w", err), time.Since(start))
	}

	attachResp, err := c.api.ContainerExecAttach(execCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return sandbox.FailureResult(fmt.Errorf("failed to attach to exec: %w", err), time.Since(start))
	}
	defer attachResp.Close()

	stdout, stderr, copyErr := demuxStreams(execCtx, attachResp.Reader, attachResp.Close)

	elapsed := time.Since(start)
	if execCtx.Err() == context.DeadlineExceeded {
		c.log.Warn("Command timed out",
			zap.String("container_id", containerID),
			zap.Duration("timeout", timeout),
			zap.Duration("elapsed", elapsed),
		)
		return sandbox.TimeoutResult(timeout, elapsed)
	}
	if copyErr != nil && copyErr != io.EOF {
		return sandbox.FailureResult(fmt.Errorf("failed to read exec output: %w", copyErr), elapsed)
	}

	inspectResp, err := c.api.ContainerExecInspect(execCtx, execResp.ID)
	if err != nil {
		return sandbox.FailureResult(fmt.Errorf("failed to inspect exec: %w", err), elapsed)
	}

	return &sandbox.CommandResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: inspectResp.ExitCode,
		Duration: elapsed,
	}
}

// demuxStreams splits docker's multiplexed attach stream (8-byte frame
// headers) into stdout and stderr. The hijacked connection carries no
// deadline of its own, so a watchdog closes the stream when ctx expires;
// that unblocks the read instead of waiting for the exec process to exit.
func demuxStreams(ctx context.Context, reader io.Reader, closeStream func()) (string, string, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeStream()
		case <-done:
		}
	}()

	var stdout, stderr bytes.Buffer
	_, err := stdcopy.StdCopy(&stdout, &stderr, reader)
	return stdout.String(), stderr.String(), err
}

// Close releases the engine connection.
func (c *Client) Close() error {
	return c.api.Close()
}
