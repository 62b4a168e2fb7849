package stats

import (
	"context"

	"github.com/google/uuid"

	"github.com/FairForge/labforge/internal/ledger"
	"github.com/FairForge/labforge/internal/lifecycle"
	"github.com/FairForge/labforge/internal/users"
)

// SystemStats is the fleet-wide rollup behind the admin dashboard.
type SystemStats struct {
	TotalContainers  int            `json:"total_containers"`
	ActiveContainers int            `json:"active_containers"`
	TotalUsers       int            `json:"total_users"`
	ActiveUsers      int            `json:"active_users"`
	StateCounts      map[string]int `json:"state_counts"`
	CPUClaimed       float64        `json:"cpu_claimed"`
	MemoryClaimedMB  int64          `json:"memory_claimed_mb"`
	CPUUsage         float64        `json:"cpu_usage"`
	MemoryUsageMB    float64        `json:"memory_usage_mb"`
}

// UserStats is the per-user breakdown.
type UserStats struct {
	Ledger     ledger.Snapshot         `json:"ledger"`
	Containers []lifecycle.LabContainer `json:"containers"`
}

// Aggregator derives dashboard numbers from the ledger and the live
// container set at call time. Read-only; nothing here is cached past the
// request, so the numbers can never drift from the source data.
type Aggregator struct {
	manager *lifecycle.Manager
	ledger  *ledger.Ledger
	users   users.Store
}

func New(manager *lifecycle.Manager, led *ledger.Ledger, store users.Store) *Aggregator {
	return &Aggregator{manager: manager, ledger: led, users: store}
}

// SystemStats computes the fleet rollup.
func (a *Aggregator) SystemStats(ctx context.Context) (SystemStats, error) {
	containers := a.manager.ListAll()
	sys := a.ledger.SystemSnapshot()

	out := SystemStats{
		TotalContainers: len(containers),
		StateCounts:     make(map[string]int),
		CPUClaimed:      sys.CPUClaimed,
		MemoryClaimedMB: sys.MemoryClaimedMB,
	}

	activeOwners := make(map[uuid.UUID]struct{})
	for _, c := range containers {
		out.StateCounts[string(c.State)]++
		if c.State.Active() {
			out.ActiveContainers++
			activeOwners[c.OwnerID] = struct{}{}
		}
		out.CPUUsage += c.CPUUsage
		out.MemoryUsageMB += c.MemoryUsageMB
	}
	out.ActiveUsers = len(activeOwners)

	all, err := a.users.List(ctx)
	if err != nil {
		return SystemStats{}, err
	}
	out.TotalUsers = len(all)

	return out, nil
}

// UserStats computes one user's breakdown.
func (a *Aggregator) UserStats(ctx context.Context, userID uuid.UUID) UserStats {
	return UserStats{
		Ledger:     a.ledger.Snapshot(userID),
		Containers: a.manager.ListOwned(userID),
	}
}
