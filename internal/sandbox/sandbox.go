// Package sandbox manages the local AWS emulator container that backs
// offline pipeline runs. Point the provider at it with CARTSTREAM_ENDPOINT.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// DefaultImage is the emulator image pulled by Up.
	DefaultImage = "localstack/localstack:3.4"

	containerName = "cartstream-sandbox"
	edgePort      = "4566"
	healthTimeout = 2 * time.Minute
)

// Endpoint is where the emulator listens once the sandbox is up.
const Endpoint = "http://127.0.0.1:" + edgePort

// emulatedServices are the AWS APIs the pipeline stack touches.
var emulatedServices = []string{
	"athena", "cloudwatch", "ec2", "firehose", "glue", "iam", "kinesis",
	"kms", "logs", "redshift", "s3", "secretsmanager", "sns", "sqs",
	"ssm", "sts",
}

// Manager drives the emulator container through the Docker daemon.
type Manager struct {
	client *client.Client
	image  string
}

// Status describes the sandbox container as last observed.
type Status struct {
	Running     bool
	ContainerID string
	Health      string
	Endpoint    string
}

func NewManager() (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Manager{client: cli, image: DefaultImage}, nil
}

// Up starts the emulator, reusing an existing sandbox container when one is
// present. Pull progress is streamed to out.
func (m *Manager) Up(ctx context.Context, out io.Writer) (*Status, error) {
	existing, err := m.find(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.State == "running" {
			return m.Inspect(ctx)
		}
		if err := m.client.ContainerStart(ctx, existing.ID, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("failed to start sandbox container: %w", err)
		}
		return m.waitHealthy(ctx, existing.ID)
	}

	reader, err := m.client.ImagePull(ctx, m.image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull %s: %w", m.image, err)
	}
	_, _ = io.Copy(out, reader)
	reader.Close()

	edge := nat.Port(edgePort + "/tcp")
	config := &container.Config{
		Image: m.image,
		Env: []string{
			"SERVICES=" + strings.Join(emulatedServices, ","),
			"PERSISTENCE=0",
		},
		ExposedPorts: nat.PortSet{edge: struct{}{}},
		Healthcheck: &container.HealthConfig{
			Test:     []string{"CMD-SHELL", "curl -sf http://localhost:" + edgePort + "/_localstack/health || exit 1"},
			Interval: 5 * time.Second,
			Retries:  20,
		},
		Labels: map[string]string{"io.cartstream.sandbox": "true"},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			edge: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: edgePort}},
		},
	}

	created, err := m.client.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, &v1.Platform{}, containerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}
	if err := m.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	return m.waitHealthy(ctx, created.ID)
}

// Down stops and removes the sandbox container. Missing containers are not
// an error.
func (m *Manager) Down(ctx context.Context) error {
	existing, err := m.find(ctx)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	timeout := 10 // seconds
	_ = m.client.ContainerStop(ctx, existing.ID, container.StopOptions{Timeout: &timeout})
	if err := m.client.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove sandbox container: %w", err)
		}
	}
	return nil
}

// Inspect reports the current sandbox state without changing it.
func (m *Manager) Inspect(ctx context.Context) (*Status, error) {
	existing, err := m.find(ctx)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return &Status{}, nil
	}

	inspect, err := m.client.ContainerInspect(ctx, existing.ID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &Status{}, nil
		}
		return nil, fmt.Errorf("failed to inspect sandbox container: %w", err)
	}

	status := &Status{
		Running:     inspect.State.Running,
		ContainerID: inspect.ID,
		Endpoint:    Endpoint,
	}
	if inspect.State.Health != nil {
		status.Health = inspect.State.Health.Status
	}
	return status, nil
}

func (m *Manager) find(ctx context.Context) (*types.Container, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", containerName)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	// The name filter matches substrings; require the exact name.
	for _, c := range containers {
		for _, name := range c.Names {
			if strings.TrimPrefix(name, "/") == containerName {
				return &c, nil
			}
		}
	}
	return nil, nil
}

func (m *Manager) waitHealthy(ctx context.Context, id string) (*Status, error) {
	deadline := time.Now().Add(healthTimeout)
	for {
		inspect, err := m.client.ContainerInspect(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect sandbox container: %w", err)
		}
		health := ""
		if inspect.State.Health != nil {
			health = inspect.State.Health.Status
		}
		if health == "healthy" {
			return &Status{
				Running:     true,
				ContainerID: inspect.ID,
				Health:      health,
				Endpoint:    Endpoint,
			}, nil
		}
		if !inspect.State.Running || health == "unhealthy" {
			return nil, fmt.Errorf("sandbox container is %s", inspect.State.Status)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("sandbox did not report healthy within %s", healthTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
