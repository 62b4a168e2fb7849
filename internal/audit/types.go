package audit

import (
	"time"

	"github.com/google/uuid"
)

// Reason explains why a transition happened when it wasn't a plain user
// request.
type Reason string

const (
	ReasonUserRequested     Reason = "user_requested"
	ReasonAdminRequested    Reason = "admin_requested"
	ReasonInactivityTimeout Reason = "inactivity_timeout"
	ReasonLifetimeExceeded  Reason = "lifetime_exceeded"
	ReasonProvisionFailed   Reason = "provision_failed"
	ReasonReaperError       Reason = "reaper_error"
)

// Well-known actors for transitions not initiated by a user.
const (
	ActorReaper = "system:reaper"
	ActorAdmin  = "system:admin"
)

// Event is one lifecycle transition. Append-only, immutable once written;
// events for a single container are strictly ordered by transition order.
type Event struct {
	ID          uuid.UUID `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Actor       string    `json:"actor"` // "user:<id>", "system:reaper", "system:admin"
	ContainerID uuid.UUID `json:"container_id"`
	FromState   string    `json:"from_state"`
	ToState     string    `json:"to_state"`
	Reason      Reason    `json:"reason,omitempty"`
	Detail      string    `json:"detail,omitempty"` // auxiliary info, e.g. adapter error text
}

// Query filters audit events. Zero fields match everything.
type Query struct {
	ContainerID uuid.UUID
	Actor       string
	Since       time.Time
	Limit       int
}
