// Package sandbox runs model-submitted code inside a long-lived Docker
// container. The container is reused across calls; each call gets a
// fresh working directory that is removed afterwards.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
)

const (
	workspaceRoot  = "/workspace"
	scriptName     = "script.py"
	maxOutputRunes = 10000
)

// Config holds sandbox limits.
type Config struct {
	Image      string // default python:3.11-slim
	MemoryMB   int64  // default 512
	TimeoutSec int    // wall clock per call, default 60
	DockerHost string // empty uses the environment
}

// Sandbox executes code in a reusable container. Calls are serialized;
// the per-call working directory keeps them from observing each other's
// files anyway.
type Sandbox struct {
	cli     *client.Client
	image   string
	memory  int64
	timeout time.Duration

	mu          sync.Mutex
	containerID string
}

// New creates a sandbox. The container is created lazily on the first
// Execute so a missing Docker daemon only breaks code execution, not
// startup.
func New(cfg Config) (*Sandbox, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create docker client")
	}

	img := cfg.Image
	if img == "" {
		img = "python:3.11-slim"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 512
	}
	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 60
	}

	return &Sandbox{
		cli:     cli,
		image:   img,
		memory:  memoryMB << 20,
		timeout: time.Duration(timeoutSec) * time.Second,
	}, nil
}

// Execute runs the code and returns combined stdout/stderr, truncated
// to a hard limit. A wall-clock timeout aborts the call and leaves the
// container in place for the next one.
func (s *Sandbox) Execute(ctx context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureContainer(ctx); err != nil {
		return "", err
	}

	workDir := fmt.Sprintf("%s/%s", workspaceRoot, randomHex(8))
	scriptPath := workDir + "/" + scriptName

	if err := s.copyScript(ctx, workDir, code); err != nil {
		return "", err
	}
	defer s.cleanupWorkDir(workDir)

	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	output, err := s.exec(execCtx, workDir, []string{"python", scriptPath})
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("[ERROR] Execution timed out after %d seconds", int(s.timeout.Seconds())), nil
	}
	if err != nil {
		return "", err
	}
	return truncateOutput(output), nil
}

// Close stops and removes the sandbox container.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containerID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		stopTimeout := 5
		if err := s.cli.ContainerStop(ctx, s.containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
			slog.Warn("failed to stop sandbox container", "container_id", s.containerID, "error", err)
		}
		if err := s.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove sandbox container", "container_id", s.containerID, "error", err)
		}
		s.containerID = ""
	}
	return s.cli.Close()
}

// ensureContainer creates and starts the long-lived container on first
// use, pulling the image when it is missing locally.
func (s *Sandbox) ensureContainer(ctx context.Context) error {
	if s.containerID != "" {
		inspect, err := s.cli.ContainerInspect(ctx, s.containerID)
		if err == nil && inspect.State != nil && inspect.State.Running {
			return nil
		}
		slog.Warn("sandbox container gone, recreating", "container_id", s.containerID)
		s.containerID = ""
	}

	if reader, err := s.cli.ImagePull(ctx, s.image, image.PullOptions{}); err == nil {
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	} else {
		// Pull failures are tolerable when the image is already local.
		slog.Debug("image pull failed, trying local image", "image", s.image, "error", err)
	}

	created, err := s.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      s.image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: workspaceRoot,
			Labels:     map[string]string{"app": "agentd-sandbox"},
		},
		&container.HostConfig{
			Resources: container.Resources{
				Memory: s.memory,
				// One CPU; untrusted code shares the host.
				NanoCPUs: 1_000_000_000,
			},
		},
		nil, nil, "")
	if err != nil {
		return errors.Wrap(err, "failed to create sandbox container")
	}
	if err := s.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return errors.Wrap(err, "failed to start sandbox container")
	}
	if _, err := s.exec(ctx, "/", []string{"mkdir", "-p", workspaceRoot}); err != nil {
		return errors.Wrap(err, "failed to prepare workspace")
	}

	s.containerID = created.ID
	slog.Info("sandbox container started", "container_id", created.ID, "image", s.image)
	return nil
}

// copyScript ships the source into the container as a tar stream.
func (s *Sandbox) copyScript(ctx context.Context, workDir, code string) error {
	if _, err := s.exec(ctx, "/", []string{"mkdir", "-p", workDir}); err != nil {
		return errors.Wrap(err, "failed to create working directory")
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: scriptName,
		Mode: 0o644,
		Size: int64(len(code)),
	}); err != nil {
		return errors.Wrap(err, "failed to build script archive")
	}
	if _, err := tw.Write([]byte(code)); err != nil {
		return errors.Wrap(err, "failed to build script archive")
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "failed to build script archive")
	}

	if err := s.cli.CopyToContainer(ctx, s.containerID, workDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return errors.Wrap(err, "failed to copy script into sandbox")
	}
	return nil
}

// exec runs one command in the container and returns its combined
// output.
func (s *Sandbox) exec(ctx context.Context, workDir string, cmd []string) (string, error) {
	execResp, err := s.cli.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to create exec")
	}
	attach, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", errors.Wrap(err, "failed to attach exec")
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && ctx.Err() == nil {
		return "", errors.Wrap(err, "failed to read exec output")
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}
	return output, nil
}

// cleanupWorkDir removes a per-call directory; best effort.
func (s *Sandbox) cleanupWorkDir(workDir string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.exec(ctx, "/", []string{"rm", "-rf", workDir}); err != nil {
		slog.Warn("failed to clean sandbox working directory", "workdir", workDir, "error", err)
	}
}

func truncateOutput(output string) string {
	output = strings.TrimRight(output, "\n")
	runes := []rune(output)
	if len(runes) <= maxOutputRunes {
		return output
	}
	return string(runes[:maxOutputRunes]) + "\n... [output truncated]"
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
