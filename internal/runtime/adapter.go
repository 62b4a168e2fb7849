package runtime

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the runtime could not be reached or timed out.
	ErrUnavailable = errors.New("runtime: adapter unavailable")
	// ErrNotFound means the referenced workload no longer exists. Terminate
	// callers treat this as success.
	ErrNotFound = errors.New("runtime: container not found")
)

// ProvisionSpec is everything the runtime needs to launch a lab container.
type ProvisionSpec struct {
	Name          string  // runtime-side name, unique per platform
	Image         string  // registry reference
	CPULimit      float64 // cores
	MemoryLimitMB int64
	Graphical     bool // publish a VNC endpoint
	Browser       bool // selenium-style image, VNC on 7900 instead of 5900
}

// Connection describes how a user reaches a running container. Opaque to the
// lifecycle core; the API hands it to the UI as-is.
type Connection struct {
	Ref        string `json:"-"` // runtime handle, e.g. docker container id
	VNCURL     string `json:"vnc_url,omitempty"`
	SSHCommand string `json:"ssh_command,omitempty"`
	VNCPort    int    `json:"vnc_port,omitempty"`
	SSHPort    int    `json:"ssh_port,omitempty"`
}

// Usage is a point-in-time resource snapshot for a running container.
type Usage struct {
	CPUPercent float64
	MemoryMB   float64
}

// Adapter is the boundary to the actual container engine. Provision may be
// slow; callers bound it with a context deadline and must not hold unrelated
// locks across the call. Terminate must be safe to call on an already-gone
// resource.
type Adapter interface {
	Provision(ctx context.Context, spec ProvisionSpec) (Connection, error)
	Terminate(ctx context.Context, ref string) error
	Usage(ctx context.Context, ref string) (Usage, error)
}
