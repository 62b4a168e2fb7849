package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FairForge/labforge/internal/runtime"
)

// State is a lab container's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
	StateDestroyed State = "destroyed"
)

// Active reports whether the state counts against the user's concurrency
// quota. Pending is included: the slot is reserved before the record exists.
func (s State) Active() bool {
	switch s {
	case StatePending, StateStarting, StateRunning, StateStopping:
		return true
	}
	return false
}

// Terminal reports whether the container has left the lifecycle for good.
// Failed requires an explicit destroy but accepts no other transition.
func (s State) Terminal() bool {
	return s == StateDestroyed
}

// Caller identifies who is asking for a transition. Token issuance and
// validation happen outside this package; by the time a Caller reaches the
// manager it is trusted.
type Caller struct {
	UserID uuid.UUID
	Admin  bool
	System string // audit actor for non-user callers, e.g. "system:reaper"
}

// Actor renders the caller for the audit log.
func (c Caller) Actor() string {
	if c.System != "" {
		return c.System
	}
	return fmt.Sprintf("user:%s", c.UserID)
}

func (c Caller) canTouch(ownerID uuid.UUID) bool {
	return c.Admin || c.System != "" || c.UserID == ownerID
}

// LabContainer is one ephemeral, isolated workload owned by a single user.
// Mutating operations go through the Manager, which serializes transitions
// per container.
type LabContainer struct {
	ID             uuid.UUID           `json:"id"`
	OwnerID        uuid.UUID           `json:"owner_id"`
	ImageID        uuid.UUID           `json:"image_id"`
	ImageName      string              `json:"image_name"`
	Name           string              `json:"name"`
	State          State               `json:"state"`
	CreatedAt      time.Time           `json:"created_at"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	CPUUsage       float64             `json:"cpu_usage"`
	MemoryUsageMB  float64             `json:"memory_usage_mb"`
	Connection     *runtime.Connection `json:"connection,omitempty"`
}

// record is the manager's live entry for a container: the public view plus
// the bookkeeping that never leaves the package. mu serializes transitions
// for this container.
type record struct {
	LabContainer

	mu             sync.Mutex
	cpuLimit       float64
	memoryLimitMB  int64
	slotHeld       bool
	claimed        bool
	retryTerminate bool
}

// view returns a copy safe to hand to callers. The transition lock must be
// held or the record otherwise quiescent.
func (c *record) view() LabContainer {
	out := c.LabContainer
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.Connection != nil {
		conn := *c.Connection
		out.Connection = &conn
	}
	return out
}
