package docker

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
)

// saveLogs copies the container output to path. Failures only lose the log.
func (e *Engine) saveLogs(containerID, path string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logs, err := e.rt.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	})
	if err != nil {
		logger.Warn("Failed to get container logs", "error", err)
		return
	}
	defer logs.Close()

	f, err := os.Create(path)
	if err != nil {
		logger.Warn("Failed to create engine log file", "error", err)
		return
	}
	defer f.Close()

	if err := demux(logs, f); err != nil {
		logger.Debug("Log stream ended", "error", err)
	}
}

// demux strips the multiplexing headers of a non-TTY container log stream.
// Each frame is an 8-byte header (stream type, 3 padding bytes, big-endian
// payload size) followed by the payload; stderr lines are prefixed.
func demux(r io.Reader, w io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		if header[0] == 2 {
			if _, err := io.WriteString(w, "[stderr] "); err != nil {
				return err
			}
		}
		if _, err := io.CopyN(w, r, int64(size)); err != nil {
			return err
		}
	}
}
