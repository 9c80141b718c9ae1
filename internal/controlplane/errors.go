package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrRunNotFound   = errors.New("run not found")
	ErrOwnerRequired = errors.New("owner id required")
)
