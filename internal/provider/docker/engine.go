package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"

	"securityanalysis/internal/config"
	"securityanalysis/internal/domain"
	"securityanalysis/internal/provider"
	"securityanalysis/internal/report"
)

// Paths inside the working directory exchanged with the container.
const (
	InputRun           = "input/run.json"
	InputContingencies = "input/contingencies.json"
	InputDynamicModels = "input/dynamicModels.json"
	InputParameters    = "input/parameters.json"
	OutputResult       = "output/result.json"
	OutputReport       = "output/report.json"
	EngineLog          = "engine.log"
)

// RunDescriptor is written to input/run.json.
type RunDescriptor struct {
	ResultUUID             string  `json:"resultUuid"`
	NetworkUUID            string  `json:"networkUuid"`
	VariantID              string  `json:"variantId"`
	NetworkFile            string  `json:"networkFile,omitempty"`
	DumpFile               string  `json:"dumpFile,omitempty"`
	ContingenciesStartTime float64 `json:"contingenciesStartTime"`
}

// Engine runs one catalogue entry as a container.
type Engine struct {
	rt   *Runtime
	spec config.EngineSpec
}

func (e *Engine) Name() string { return e.spec.Name }

// Interruptible is true: cancelling the run context stops the container.
func (e *Engine) Interruptible() bool { return true }

// Run writes the inputs, runs the container to completion and reads back the
// result and report.
func (e *Engine) Run(ctx context.Context, in *provider.Input) (*domain.AnalysisResult, error) {
	logger := slog.With("resultUuid", in.ResultUUID, "provider", e.spec.Name)

	if e.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.spec.Timeout)
		defer cancel()
	}

	if err := e.writeInputs(in); err != nil {
		return nil, err
	}

	if err := e.pullImageIfNeeded(ctx); err != nil {
		return nil, fmt.Errorf("docker.pullImage: %w", err)
	}

	containerID, err := e.createContainer(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("docker.createContainer: %w", err)
	}
	defer e.removeContainer(containerID)

	if err := e.rt.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("docker.startContainer: %w", err)
	}
	logger.Info("Engine container started", "containerId", containerID, "image", e.spec.Image)

	start := time.Now()
	exitCode, waitErr := e.waitForExit(ctx, containerID)
	e.saveLogs(containerID, in.WorkDir.Join(EngineLog), logger)

	if waitErr != nil {
		return nil, fmt.Errorf("docker.wait: %w", waitErr)
	}
	logger.Info("Engine container exited", "exitCode", exitCode, "duration", time.Since(start))

	if root, err := report.DecodeFile(in.WorkDir.Join(OutputReport)); err != nil {
		logger.Warn("Failed to read engine report", "error", err)
	} else if in.Report != nil {
		in.Report.Attach(root)
	}

	if exitCode != 0 {
		return nil, fmt.Errorf("engine %s exited with code %d", e.spec.Name, exitCode)
	}

	var result domain.AnalysisResult
	if err := in.WorkDir.ReadJSON(OutputResult, &result); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("engine %s produced no %s", e.spec.Name, OutputResult)
		}
		return nil, err
	}
	return &result, nil
}

func (e *Engine) writeInputs(in *provider.Input) error {
	desc := RunDescriptor{
		ResultUUID:             in.ResultUUID.String(),
		NetworkUUID:            in.NetworkUUID.String(),
		VariantID:              in.Variant(),
		NetworkFile:            e.containerPath(in, in.NetworkFile),
		DumpFile:               e.containerPath(in, in.DumpFile),
		ContingenciesStartTime: in.Parameters.ContingenciesStartTime,
	}
	var contingencies []domain.Contingency
	if in.Contingencies != nil {
		contingencies = in.Contingencies()
	}
	var models []domain.DynamicModelConfig
	if in.DynamicModels != nil {
		models = in.DynamicModels()
	}

	for name, v := range map[string]any{
		InputRun:           desc,
		InputContingencies: contingencies,
		InputDynamicModels: models,
		InputParameters:    in.Parameters,
	} {
		if _, err := in.WorkDir.WriteJSON(name, v); err != nil {
			return err
		}
	}
	return nil
}

// containerPath maps a file inside the working directory to its path in the
// container. Files outside the working directory are not visible and map to "".
func (e *Engine) containerPath(in *provider.Input, local string) string {
	if local == "" {
		return ""
	}
	rel, err := filepath.Rel(in.WorkDir.Path(), local)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(filepath.Join(containerWorkspace, rel))
}

func (e *Engine) createContainer(ctx context.Context, in *provider.Input) (string, error) {
	source, err := e.rt.hostPath(in.WorkDir.Path())
	if err != nil {
		return "", err
	}

	env := []string{
		"DSA_WORKSPACE=" + containerWorkspace,
		"DSA_RUN_FILE=" + filepath.ToSlash(filepath.Join(containerWorkspace, InputRun)),
	}
	for k, v := range e.spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerConfig := &container.Config{
		Image:      e.spec.Image,
		Cmd:        e.spec.Command,
		Env:        env,
		WorkingDir: containerWorkspace,
		Labels: map[string]string{
			managedByLabel: managedByValue,
			resultLabel:    in.ResultUUID.String(),
			providerLabel:  e.spec.Name,
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: source,
				Target: containerWorkspace,
			},
		},
		Resources: container.Resources{
			NanoCPUs: int64(e.spec.CPUs * 1e9),
			Memory:   e.spec.MemoryMB * 1024 * 1024,
		},
	}

	containerName := fmt.Sprintf("dsa-%s", in.ResultUUID)
	resp, err := e.rt.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *Engine) pullImageIfNeeded(ctx context.Context) error {
	_, err := e.rt.client.ImageInspect(ctx, e.spec.Image)
	if err == nil {
		return nil
	}

	reader, err := e.rt.client.ImagePull(ctx, e.spec.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *Engine) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := e.rt.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// removeContainer runs detached from the run context so an interrupted run
// still stops its container.
func (e *Engine) removeContainer(containerID string) {
	const stopTimeout = 10
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	timeout := stopTimeout
	_ = e.rt.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	_ = e.rt.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}
