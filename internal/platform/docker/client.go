// Package docker launches one container per request, for hosts where a process
// boundary is not enough isolation for the prediction engine.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dontdude/classifyd/internal/domain"
	"github.com/dontdude/classifyd/internal/isolation"
)

// modelMount is where the model store appears inside worker containers.
const modelMount = "/models"

// cleanupTimeout bounds the calls made after a container has exited.
const cleanupTimeout = 30 * time.Second

// Config describes the worker containers.
type Config struct {
	// Image contains the worker binary as its entrypoint.
	Image string
	// ModelStore is the host directory mounted read-only at /models.
	ModelStore string
	// MemoryBytes is the hard memory limit of each container.
	MemoryBytes int64
	// NanoCPUs caps CPU usage (1e9 = one CPU). Zero means unlimited.
	NanoCPUs int64
	// Pull fetches the image at startup.
	Pull bool
}

// Client wraps the official Docker SDK client.
type Client struct {
	cli *client.Client
	cfg Config
}

// Check if Client implements domain.Launcher
var _ domain.Launcher = (*Client)(nil)

// NewClient initializes a Docker client and verifies the daemon is reachable.
// If the daemon is unreachable an error is returned so the service does not start in a broken state.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Ping Docker to ensure connection
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	c := &Client{cli: cli, cfg: cfg}
	if cfg.Pull {
		if err := c.pull(ctx); err != nil {
			cli.Close()
			return nil, err
		}
	}

	slog.Info("Docker client initialized", "image", cfg.Image)
	return c, nil
}

func (c *Client) pull(ctx context.Context) error {
	slog.Info("Pulling image", "image", c.cfg.Image)
	reader, err := c.cli.ImagePull(ctx, c.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	// Drain the response body to ensure the pull completes properly.
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	return nil
}

// Launch implements domain.Launcher.
// The request travels as worker flags; the container's stdout is the outcome channel.
func (c *Client) Launch(ctx context.Context, req domain.WorkRequest) (domain.WorkerHandle, error) {
	hostCfg, err := c.hostConfig()
	if err != nil {
		return nil, err
	}

	resp, err := c.cli.ContainerCreate(ctx, c.containerConfig(req), hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	id := resp.ID

	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		c.remove(id)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	slog.Debug("Worker container started", "containerID", id, "requestID", req.ID)

	h := isolation.NewHandle(shortID(id), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		return c.cli.ContainerKill(ctx, id, "KILL")
	})

	go c.wait(id, h)
	return h, nil
}

func (c *Client) containerConfig(req domain.WorkRequest) *container.Config {
	return &container.Config{
		Image: c.cfg.Image,
		Cmd:   []string{"--classifier", req.ClassifierID, "--input", req.Input},
		Env:   []string{"CLASSIFYD_CLASSIFIER_STORE=" + modelMount},
		Labels: map[string]string{
			"classifyd.request-id": req.ID,
		},
		NetworkDisabled: true,
	}
}

func (c *Client) hostConfig() (*container.HostConfig, error) {
	store, err := filepath.Abs(c.cfg.ModelStore)
	if err != nil {
		return nil, fmt.Errorf("invalid model store: %w", err)
	}
	return &container.HostConfig{
		Binds: []string{store + ":" + modelMount + ":ro"},
		Resources: container.Resources{
			Memory:   c.cfg.MemoryBytes,
			NanoCPUs: c.cfg.NanoCPUs,
		},
	}, nil
}

// wait blocks until the container stops, collects its stdout and removes it.
func (c *Client) wait(id string, h *isolation.Handle) {
	defer c.remove(id)

	code := domain.StatusUnknown
	statusCh, errCh := c.cli.ContainerWait(context.Background(), id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		code = int(status.StatusCode)
		if status.Error != nil {
			slog.Warn("Container wait reported an error", "containerID", id, "error", status.Error.Message)
		}
	case err := <-errCh:
		slog.Error("Failed to wait for container", "containerID", id, "error", err)
		h.Finish(domain.StatusUnknown, nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	stdout := isolation.NewCappedBuffer()
	logs, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true})
	if err != nil {
		slog.Error("Failed to read container output", "containerID", id, "error", err)
		h.Finish(code, nil)
		return
	}
	defer logs.Close()

	// The log stream is multiplexed unless the container has a TTY.
	var stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(stdout, &stderr, logs); err != nil {
		slog.Warn("Failed to demultiplex container output", "containerID", id, "error", err)
	}
	h.Finish(code, stdout.Bytes())
}

func (c *Client) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("Failed to remove container", "containerID", id, "error", err)
	}
}

// Close releases the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
