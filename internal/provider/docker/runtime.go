// Package docker runs analysis engines as containers on the host Docker
// daemon. The run's working directory is bind-mounted into the container,
// which reads its inputs from input/ and writes result.json and report.json
// to output/.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"securityanalysis/internal/config"
)

const (
	managedByLabel = "managed-by"
	managedByValue = "security-analysis-service"
	resultLabel    = "dsa.result.uuid"
	providerLabel  = "dsa.provider"

	containerWorkspace = "/workspace"
)

// Runtime owns the Docker client shared by all container engines.
type Runtime struct {
	client *client.Client

	// localRoot is where working directories live for this process;
	// hostRoot is the same directory as seen by the Docker daemon.
	localRoot string
	hostRoot  string
}

// NewRuntime connects to the Docker daemon from the environment. hostRoot may
// be empty when the service shares its filesystem with the daemon.
func NewRuntime(localRoot, hostRoot string) (*Runtime, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if hostRoot == "" {
		hostRoot = localRoot
	}
	return &Runtime{client: dockerClient, localRoot: localRoot, hostRoot: hostRoot}, nil
}

// Engine returns a container engine for the catalogue entry.
func (r *Runtime) Engine(spec config.EngineSpec) *Engine {
	return &Engine{rt: r, spec: spec}
}

// Ready checks if the Docker daemon is reachable and responsive.
func (r *Runtime) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// RemoveOrphans deletes engine containers left behind by a previous process.
// Runs do not survive a restart, so any managed container found at startup
// has no owner.
func (r *Runtime) RemoveOrphans(ctx context.Context) (int, error) {
	logger := slog.With("component", "docker")

	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedByLabel+"="+managedByValue)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		if err := r.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn("Failed to remove orphan container", "containerId", c.ID, "resultUuid", c.Labels[resultLabel], "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("Removed orphan engine containers", "count", removed)
	}
	return removed, nil
}

// hostPath maps a local working directory path to the daemon's view.
func (r *Runtime) hostPath(local string) (string, error) {
	rel, err := filepath.Rel(r.localRoot, local)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("working directory %s is outside %s", local, r.localRoot)
	}
	return filepath.Join(r.hostRoot, rel), nil
}
