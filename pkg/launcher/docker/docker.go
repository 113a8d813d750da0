package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/launcher"
)

const (
	// LabelManager is the label used to identify containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "qdash"
	// LabelRunID identifies which run a container belongs to.
	LabelRunID = "run-id"
	// LabelSessionID identifies the session a run was started from.
	LabelSessionID = "session-id"
	// SimulationImage is the default simulation container image.
	SimulationImage = "qdash-sim:latest"
	// LivePort is the port the simulation serves its live view on.
	LivePort = "8080"
	// ReconcileInterval is how often the Run loop prunes finished runs.
	ReconcileInterval = 30 * time.Second
)

// Launcher implements launcher.Launcher using Docker containers.
type Launcher struct {
	client *client.Client
	image  string
}

// Verify interface compliance.
var _ launcher.Launcher = (*Launcher)(nil)

// New creates a Docker launcher for the given image (SimulationImage if empty).
func New(image string) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if image == "" {
		image = SimulationImage
	}
	return &Launcher{client: cli, image: image}, nil
}

// Launch creates and starts a container for the run. The configuration is
// passed in the QDASH_CONFIG environment variable.
func (l *Launcher) Launch(ctx context.Context, run domain.RunRecord) (string, error) {
	// Ensure image exists locally.
	if _, _, err := l.client.ImageInspectWithRaw(ctx, l.image); err != nil {
		return "", fmt.Errorf("simulation image '%s' not found: %w", l.image, err)
	}

	cfg, hostCfg := containerSpec(l.image, run)
	resp, err := l.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(run.ID))
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	if err := l.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("starting container: %w", err)
	}

	slog.Info("Simulation launched", "runID", run.ID, "sessionID", run.SessionID, "container", resp.ID)
	return resp.ID, nil
}

// Status returns the state of the run's container.
func (l *Launcher) Status(ctx context.Context, runID string) (string, error) {
	containers, err := l.listContainers(ctx, runID)
	if err != nil {
		return launcher.StateUnknown, err
	}
	if len(containers) == 0 {
		return launcher.StateStopped, nil
	}
	return containers[0].State, nil
}

// Stop stops and removes the run's container.
func (l *Launcher) Stop(ctx context.Context, runID string) error {
	containers, err := l.listContainers(ctx, runID)
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}
	for _, c := range containers {
		l.remove(ctx, c)
	}
	return nil
}

// Run prunes exited simulation containers until ctx is cancelled.
func (l *Launcher) Run(ctx context.Context) error {
	slog.Info("Simulation launcher prune loop starting")

	ticker := time.NewTicker(ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Simulation launcher prune loop stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := l.prune(ctx); err != nil {
				slog.Error("Prune failed", "error", err)
			}
		}
	}
}

// Close releases the Docker client resources.
func (l *Launcher) Close() error {
	return l.client.Close()
}

// --- internal helpers ---

func (l *Launcher) prune(ctx context.Context) error {
	containers, err := l.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManager+"="+LabelManagerValue),
			filters.Arg("status", launcher.StateExited),
		),
	})
	if err != nil {
		return fmt.Errorf("listing exited containers: %w", err)
	}
	for _, c := range containers {
		slog.Info("Removing finished simulation", "runID", c.Labels[LabelRunID])
		l.remove(ctx, c)
	}
	return nil
}

func (l *Launcher) remove(ctx context.Context, c types.Container) {
	timeout := 10
	if err := l.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("Failed to stop container", "id", c.ID, "error", err)
	}
	if err := l.client.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
		slog.Warn("Failed to remove container", "id", c.ID, "error", err)
	}
}

func (l *Launcher) listContainers(ctx context.Context, runID string) ([]types.Container, error) {
	return l.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManager+"="+LabelManagerValue),
			filters.Arg("label", LabelRunID+"="+runID),
		),
	})
}

// containerSpec builds the container and host configuration of a run.
func containerSpec(image string, run domain.RunRecord) (*container.Config, *container.HostConfig) {
	port := nat.Port(LivePort + "/tcp")
	cfg := &container.Config{
		Image: image,
		Labels: map[string]string{
			LabelManager:   LabelManagerValue,
			LabelRunID:     run.ID,
			LabelSessionID: run.SessionID,
		},
		Env: []string{
			"QDASH_RUN_ID=" + run.ID,
			"QDASH_SESSION_ID=" + run.SessionID,
			"QDASH_CONFIG_DIGEST=" + run.Digest,
			"QDASH_CONFIG=" + string(run.Config),
		},
		ExposedPorts: nat.PortSet{
			port: {},
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0", // Dynamically assigned port.
				},
			},
		},
	}
	return cfg, hostCfg
}

func containerName(runID string) string {
	return "qdash-sim-" + runID
}
