// Package backend defines the container backend interface for Coronet.
package backend

import "context"

// Backend starts and stops the named compute containers backing runs.
type Backend interface {
	// Name returns the backend identifier.
	Name() string

	// Start starts a container by name.
	Start(ctx context.Context, containerName string) error

	// Stop stops a container by name.
	Stop(ctx context.Context, containerName string) error
}
