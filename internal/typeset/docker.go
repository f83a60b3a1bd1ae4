package typeset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	DefaultImage         = "gotenberg/gotenberg:8"
	ContainerNamePrefix  = "tome-gotenberg"
	DefaultContainerName = ContainerNamePrefix
	DefaultPort          = "3000"
	ContainerPort        = "3000/tcp"
	Label                = "tome-gotenberg"

	// DefaultAPITimeout bounds a single conversion inside the container.
	DefaultAPITimeout = 2 * time.Minute
	stopGraceSeconds  = 10
	startupTimeout    = 60 * time.Second
)

// ContainerStatus represents the state of the Gotenberg container.
type ContainerStatus string

const (
	StatusRunning   ContainerStatus = "running"
	StatusStopped   ContainerStatus = "stopped"
	StatusNotFound  ContainerStatus = "not_found"
	StatusUnhealthy ContainerStatus = "unhealthy"
	StatusStarting  ContainerStatus = "starting"
)

// GenerateContainerName derives a container name unique to a home
// directory, so separate installs do not share a container.
func GenerateContainerName(homePath string) string {
	sum := sha256.Sum256([]byte(homePath))
	return ContainerNamePrefix + "-" + hex.EncodeToString(sum[:])[:8]
}

// DockerManager manages the Gotenberg container lifecycle.
type DockerManager struct {
	cli           *client.Client
	containerName string
	imageName     string
	hostPort      string
	apiTimeout    time.Duration
	labels        map[string]string
	logger        *slog.Logger
}

// DockerConfig holds configuration for the Docker manager. Zero values take
// the package defaults.
type DockerConfig struct {
	ContainerName string
	Image         string
	HostPort      string
	APITimeout    time.Duration
	Labels        map[string]string
	Logger        *slog.Logger
}

// NewDockerManager creates a new Docker manager for Gotenberg.
func NewDockerManager(cfg DockerConfig) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	m := &DockerManager{
		cli:           cli,
		containerName: cfg.ContainerName,
		imageName:     cfg.Image,
		hostPort:      cfg.HostPort,
		apiTimeout:    cfg.APITimeout,
		labels:        map[string]string{Label: "true"},
		logger:        cfg.Logger,
	}
	if m.containerName == "" {
		m.containerName = DefaultContainerName
	}
	if m.imageName == "" {
		m.imageName = DefaultImage
	}
	if m.hostPort == "" {
		m.hostPort = DefaultPort
	}
	if m.apiTimeout <= 0 {
		m.apiTimeout = DefaultAPITimeout
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	for k, v := range cfg.Labels {
		m.labels[k] = v
	}
	return m, nil
}

// Close closes the Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

// containerState is what the daemon reports about the managed container.
type containerState struct {
	status ContainerStatus
	id     string
	image  string
}

// Start starts the container, creating it if needed. It is a no-op when
// the container is already running.
func (m *DockerManager) Start(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker is not running: %w", err)
	}

	st, err := m.inspect(ctx)
	if err != nil {
		return err
	}
	switch st.status {
	case StatusRunning:
		return nil
	case StatusStopped, StatusStarting:
		m.logger.Debug("starting existing Gotenberg container", "container", m.containerName)
		if err := m.cli.ContainerStart(ctx, st.id, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start existing container: %w", err)
		}
		return WaitHealthy(ctx, m.URL(), startupTimeout)
	case StatusNotFound:
		return m.create(ctx)
	default:
		return fmt.Errorf("container in unexpected state: %s", st.status)
	}
}

// Stop stops the container. A missing container is not an error.
func (m *DockerManager) Stop(ctx context.Context) error {
	st, err := m.inspect(ctx)
	if err != nil || st.status == StatusNotFound {
		return err
	}
	grace := stopGraceSeconds
	if err := m.cli.ContainerStop(ctx, st.id, container.StopOptions{Timeout: &grace}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove stops and removes the container.
func (m *DockerManager) Remove(ctx context.Context) error {
	st, err := m.inspect(ctx)
	if err != nil || st.status == StatusNotFound {
		return err
	}
	if st.status == StatusRunning {
		if err := m.Stop(ctx); err != nil {
			return err
		}
	}
	if err := m.cli.ContainerRemove(ctx, st.id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Status returns the current status of the container.
func (m *DockerManager) Status(ctx context.Context) (ContainerStatus, error) {
	st, err := m.inspect(ctx)
	return st.status, err
}

// Logs returns the last tail lines of container output ("all" for
// everything).
func (m *DockerManager) Logs(ctx context.Context, tail string) (string, error) {
	st, err := m.inspect(ctx)
	if err != nil {
		return "", err
	}
	if st.status == StatusNotFound {
		return "", fmt.Errorf("container %s not found", m.containerName)
	}

	logs, err := m.cli.ContainerLogs(ctx, st.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get logs: %w", err)
	}
	defer logs.Close()

	out, err := io.ReadAll(logs)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return string(out), nil
}

// URL returns the Gotenberg base URL.
func (m *DockerManager) URL() string {
	return "http://localhost:" + m.hostPort
}

// ValidateExisting checks that an existing container runs the configured
// image on the expected port, so Start never adopts a foreign container.
func (m *DockerManager) ValidateExisting(ctx context.Context) error {
	st, err := m.inspect(ctx)
	if err != nil || st.status == StatusNotFound {
		return err
	}
	// The daemon reports an image ID once the tag has moved on.
	if st.image != m.imageName && !strings.HasPrefix(st.image, "sha256:") {
		return fmt.Errorf("existing container runs %s, expected %s", st.image, m.imageName)
	}

	info, err := m.cli.ContainerInspect(ctx, st.id)
	if err != nil {
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := info.HostConfig.PortBindings[ContainerPort]
	if len(bindings) == 0 {
		return fmt.Errorf("existing container has no port binding for %s", ContainerPort)
	}
	if bound := bindings[0].HostPort; bound != m.hostPort {
		return fmt.Errorf("existing container bound to port %s, expected %s", bound, m.hostPort)
	}
	return nil
}

// WaitReady waits for Gotenberg to accept requests.
func (m *DockerManager) WaitReady(ctx context.Context, timeout time.Duration) error {
	return WaitHealthy(ctx, m.URL(), timeout)
}

// create pulls the image if needed, then creates and starts the container.
func (m *DockerManager) create(ctx context.Context) error {
	if err := m.ensureImage(ctx); err != nil {
		return err
	}

	apiTimeout := strconv.Itoa(int(m.apiTimeout.Seconds())) + "s"
	cfg := &container.Config{
		Image:  m.imageName,
		Cmd:    []string{"gotenberg", "--api-timeout=" + apiTimeout, "--log-level=warn"},
		Labels: m.labels,
		ExposedPorts: nat.PortSet{
			ContainerPort: struct{}{},
		},
		Healthcheck: &container.HealthConfig{
			Test:        []string{"CMD", "curl", "-sf", "http://localhost:" + DefaultPort + "/health"},
			Interval:    2 * time.Second,
			Timeout:     5 * time.Second,
			Retries:     10,
			StartPeriod: 5 * time.Second,
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			ContainerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: m.hostPort}},
		},
	}

	m.logger.Info("creating Gotenberg container", "container", m.containerName, "image", m.imageName, "port", m.hostPort)
	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, m.containerName)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start container: %w", err)
	}
	return WaitHealthy(ctx, m.URL(), startupTimeout)
}

// inspect finds the managed container by exact name.
func (m *DockerManager) inspect(ctx context.Context) (containerState, error) {
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+m.containerName+"$")),
	})
	if err != nil {
		return containerState{}, fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return containerState{status: StatusNotFound}, nil
	}

	c := containers[0]
	st := containerState{id: c.ID, image: c.Image}
	switch c.State {
	case "running":
		st.status = StatusRunning
	case "exited", "dead":
		st.status = StatusStopped
	case "created", "restarting":
		st.status = StatusStarting
	default:
		st.status = ContainerStatus(c.State)
	}
	return st, nil
}

// WaitHealthy polls a Gotenberg server's health endpoint once a second
// until it answers 200 or timeout elapses.
func WaitHealthy(ctx context.Context, baseURL string, timeout time.Duration) error {
	httpClient := &http.Client{Timeout: 2 * time.Second}
	url := baseURL + "/health"
	attempts := uint(timeout.Seconds())
	if attempts == 0 {
		attempts = 1
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func (m *DockerManager) ensureImage(ctx context.Context) error {
	if _, err := m.cli.ImageInspect(ctx, m.imageName); err == nil {
		return nil
	}

	m.logger.Info("pulling image", "image", m.imageName)
	reader, err := m.cli.ImagePull(ctx, m.imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", m.imageName, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", m.imageName, err)
	}
	return nil
}
