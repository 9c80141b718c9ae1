// Package dockercli provides a container backend driving the docker CLI.
package dockercli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

// validName matches docker's container name rules; anything else is refused
// before it reaches the command line.
var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// DockerCLI implements the Backend interface by shelling out to docker.
type DockerCLI struct {
	binary      string
	stopTimeout time.Duration
}

// New creates a new docker CLI backend.
func New() *DockerCLI {
	return &DockerCLI{
		binary:      "docker",
		stopTimeout: 10 * time.Second,
	}
}

// Name returns the backend identifier.
func (d *DockerCLI) Name() string {
	return "dockercli"
}

// IsAllowed checks whether a container name is safe to pass to the CLI.
func (d *DockerCLI) IsAllowed(containerName string) bool {
	return validName.MatchString(containerName)
}

// Start starts a container by name.
func (d *DockerCLI) Start(ctx context.Context, containerName string) error {
	return d.run(ctx, "start", containerName)
}

// Stop stops a container by name.
func (d *DockerCLI) Stop(ctx context.Context, containerName string) error {
	return d.run(ctx, "stop", "-t", fmt.Sprintf("%d", int(d.stopTimeout.Seconds())), containerName)
}

func (d *DockerCLI) run(ctx context.Context, args ...string) error {
	containerName := args[len(args)-1]
	if !d.IsAllowed(containerName) {
		return fmt.Errorf("invalid container name: %q", containerName)
	}

	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("docker %s: %s", args[0], bytes.TrimSpace(stderr.Bytes()))
		}
		return fmt.Errorf("docker %s: %w", args[0], err)
	}
	return nil
}
