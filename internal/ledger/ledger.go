package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Quota is the per-user policy the ledger enforces. Values are resolved at
// every decision point so admin changes and config reloads apply immediately.
type Quota struct {
	MaxConcurrentContainers int           `json:"max_concurrent_containers"`
	MaxContainerLifetime    time.Duration `json:"max_container_lifetime"`
	InactivityTimeout       time.Duration `json:"inactivity_timeout"`
}

// QuotaPolicy resolves the effective quota for a user (per-user override
// merged with system defaults).
type QuotaPolicy interface {
	QuotaFor(userID uuid.UUID) Quota
}

// entry is the live accounting record for one user.
type entry struct {
	used            int // reserved concurrency slots
	states          map[string]int
	cpuClaimed      float64
	memoryClaimedMB int64
}

// Snapshot is a point-in-time copy of a user's ledger entry.
type Snapshot struct {
	UserID          uuid.UUID      `json:"user_id"`
	Used            int            `json:"used"`
	Quota           Quota          `json:"quota"`
	States          map[string]int `json:"states"`
	CPUClaimed      float64        `json:"cpu_claimed"`
	MemoryClaimedMB int64          `json:"memory_claimed_mb"`
}

// SystemSnapshot aggregates the ledger across all users.
type SystemSnapshot struct {
	Users           int            `json:"users"`
	Used            int            `json:"used"`
	States          map[string]int `json:"states"`
	CPUClaimed      float64        `json:"cpu_claimed"`
	MemoryClaimedMB int64          `json:"memory_claimed_mb"`
}

// Ledger tracks per-user consumption against quota. All methods are safe for
// concurrent use; Reserve is the only admission point, so exactly one of N
// racing creates at the limit boundary wins the last slot.
type Ledger struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	policy  QuotaPolicy
}

func New(policy QuotaPolicy) *Ledger {
	return &Ledger{
		entries: make(map[uuid.UUID]*entry),
		policy:  policy,
	}
}

func (l *Ledger) entryLocked(userID uuid.UUID) *entry {
	e, ok := l.entries[userID]
	if !ok {
		e = &entry{states: make(map[string]int)}
		l.entries[userID] = e
	}
	return e
}

// Reserve atomically claims a concurrency slot for the user. Returns false
// when the user is at their limit; the quota is read at call time.
func (l *Ledger) Reserve(userID uuid.UUID) bool {
	quota := l.policy.QuotaFor(userID)

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(userID)
	if e.used >= quota.MaxConcurrentContainers {
		return false
	}
	e.used++
	return true
}

// Release returns a slot. Idempotent: the count floors at zero, the same way
// quota release floors at zero on the storage side of the platform.
func (l *Ledger) Release(userID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(userID)
	if e.used > 0 {
		e.used--
	}
}

// Claim records the cpu/memory template of a container that entered the
// active set.
func (l *Ledger) Claim(userID uuid.UUID, cpu float64, memoryMB int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(userID)
	e.cpuClaimed += cpu
	e.memoryClaimedMB += memoryMB
}

// Unclaim removes a container's resource template, flooring at zero.
func (l *Ledger) Unclaim(userID uuid.UUID, cpu float64, memoryMB int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(userID)
	e.cpuClaimed -= cpu
	if e.cpuClaimed < 0 {
		e.cpuClaimed = 0
	}
	e.memoryClaimedMB -= memoryMB
	if e.memoryClaimedMB < 0 {
		e.memoryClaimedMB = 0
	}
}

// Transition moves one container between state buckets for the user. Empty
// from/to mean entering or leaving the tracked set.
func (l *Ledger) Transition(userID uuid.UUID, from, to string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(userID)
	if from != "" && e.states[from] > 0 {
		e.states[from]--
	}
	if to != "" {
		e.states[to]++
	}
}

// Snapshot returns a copy of the user's entry plus their effective quota.
func (l *Ledger) Snapshot(userID uuid.UUID) Snapshot {
	quota := l.policy.QuotaFor(userID)

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(userID)
	states := make(map[string]int, len(e.states))
	for k, v := range e.states {
		if v > 0 {
			states[k] = v
		}
	}
	return Snapshot{
		UserID:          userID,
		Used:            e.used,
		Quota:           quota,
		States:          states,
		CPUClaimed:      e.cpuClaimed,
		MemoryClaimedMB: e.memoryClaimedMB,
	}
}

// SystemSnapshot aggregates all users.
func (l *Ledger) SystemSnapshot() SystemSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := SystemSnapshot{States: make(map[string]int)}
	for _, e := range l.entries {
		if e.used == 0 && e.cpuClaimed == 0 && e.memoryClaimedMB == 0 {
			continue
		}
		out.Users++
		out.Used += e.used
		out.CPUClaimed += e.cpuClaimed
		out.MemoryClaimedMB += e.memoryClaimedMB
		for k, v := range e.states {
			if v > 0 {
				out.States[k] += v
			}
		}
	}
	return out
}

// Seed is one live container's contribution used when recomputing the ledger.
type Seed struct {
	UserID   uuid.UUID
	State    string
	SlotHeld bool
	CPU      float64
	MemoryMB int64
}

// Recompute rebuilds the ledger from the live container set. The container
// set is the source of truth after a crash or restart; incremental counts
// must never be trusted over it.
func (l *Ledger) Recompute(seeds []Seed) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make(map[uuid.UUID]*entry)
	for _, s := range seeds {
		e, ok := l.entries[s.UserID]
		if !ok {
			e = &entry{states: make(map[string]int)}
			l.entries[s.UserID] = e
		}
		if s.SlotHeld {
			e.used++
		}
		if s.State != "" {
			e.states[s.State]++
		}
		e.cpuClaimed += s.CPU
		e.memoryClaimedMB += s.MemoryMB
	}
}
