// internal/lifecycle/manager.go
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/labforge/internal/audit"
	"github.com/FairForge/labforge/internal/catalog"
	"github.com/FairForge/labforge/internal/ledger"
	"github.com/FairForge/labforge/internal/metrics"
	"github.com/FairForge/labforge/internal/runtime"
)

// Options bound the only I/O the manager performs: runtime adapter calls.
type Options struct {
	ProvisionTimeout time.Duration
	TerminateTimeout time.Duration
}

func (o *Options) defaults() {
	if o.ProvisionTimeout <= 0 {
		o.ProvisionTimeout = 2 * time.Minute
	}
	if o.TerminateTimeout <= 0 {
		o.TerminateTimeout = 30 * time.Second
	}
}

// Manager owns the container state machine. Transitions for one container are
// serialized on that container's lock; different containers proceed in
// parallel. The ledger slot is reserved before a record exists and released
// exactly once when the container reaches stopped, failed or destroyed.
type Manager struct {
	mu         sync.RWMutex
	containers map[uuid.UUID]*record
	tombstones map[uuid.UUID]time.Time // destroyed ids, for idempotent destroy
	orphans    map[string]uuid.UUID    // runtime refs whose teardown failed

	catalog *catalog.Catalog
	ledger  *ledger.Ledger
	adapter runtime.Adapter
	log     audit.Log
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options
}

func NewManager(cat *catalog.Catalog, led *ledger.Ledger, adapter runtime.Adapter,
	log audit.Log, logger *zap.Logger, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		containers: make(map[uuid.UUID]*record),
		tombstones: make(map[uuid.UUID]time.Time),
		orphans:    make(map[string]uuid.UUID),
		catalog:    cat,
		ledger:     led,
		adapter:    adapter,
		log:        log,
		logger:     logger,
		opts:       opts,
	}
}

// SetMetrics wires prometheus instrumentation. Optional.
func (m *Manager) SetMetrics(mx *metrics.Metrics) {
	m.metrics = mx
}

// Create validates against the ledger, provisions through the adapter and
// leaves the container running, or failed with the slot released.
func (m *Manager) Create(ctx context.Context, owner uuid.UUID, imageID uuid.UUID, name string) (LabContainer, error) {
	if name == "" {
		return LabContainer{}, fmt.Errorf("%w: empty container name", ErrInvalidTransition)
	}

	img, err := m.catalog.Get(imageID)
	if err != nil || !img.Active {
		return LabContainer{}, fmt.Errorf("%w: image %s", ErrNotFound, imageID)
	}

	if m.nameTaken(owner, name) {
		return LabContainer{}, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}

	// Slot first, record second. A failed reserve touches nothing.
	if !m.ledger.Reserve(owner) {
		return LabContainer{}, ErrQuotaExceeded
	}

	now := time.Now()
	rec := &record{
		LabContainer: LabContainer{
			ID:             uuid.New(),
			OwnerID:        owner,
			ImageID:        img.ID,
			ImageName:      img.Name,
			Name:           name,
			CreatedAt:      now,
			LastActivityAt: now,
		},
		cpuLimit:      img.CPULimit,
		memoryLimitMB: img.MemoryLimitMB,
		slotHeld:      true,
	}

	// Hold the record's transition lock before publishing it so a racing
	// destroy waits for the in-flight create instead of interleaving.
	rec.mu.Lock()
	defer rec.mu.Unlock()

	m.mu.Lock()
	if m.nameTakenLocked(owner, name) {
		m.mu.Unlock()
		m.ledger.Release(owner)
		return LabContainer{}, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	m.containers[rec.ID] = rec
	m.mu.Unlock()

	m.ledger.Claim(owner, img.CPULimit, img.MemoryLimitMB)
	rec.claimed = true

	caller := Caller{UserID: owner}
	m.transitionLocked(ctx, rec, StatePending, caller, audit.ReasonUserRequested, "")
	m.transitionLocked(ctx, rec, StateStarting, caller, "", "")

	return m.provisionLocked(ctx, rec, img.Image, caller)
}

// Start restarts a stopped container, re-reserving its quota slot.
func (m *Manager) Start(ctx context.Context, id uuid.UUID, caller Caller) (LabContainer, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return LabContainer{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !caller.canTouch(rec.OwnerID) {
		return LabContainer{}, ErrForbidden
	}
	if rec.State != StateStopped {
		return rec.view(), fmt.Errorf("%w: start from %s", ErrInvalidTransition, rec.State)
	}

	if !m.ledger.Reserve(rec.OwnerID) {
		return rec.view(), ErrQuotaExceeded
	}
	rec.slotHeld = true
	m.ledger.Claim(rec.OwnerID, rec.cpuLimit, rec.memoryLimitMB)
	rec.claimed = true

	m.transitionLocked(ctx, rec, StateStarting, caller, "", "")

	img, err := m.catalog.Get(rec.ImageID)
	if err != nil {
		m.failLocked(ctx, rec, caller, fmt.Sprintf("image %s gone from catalog", rec.ImageID))
		return rec.view(), fmt.Errorf("%w: image %s", ErrNotFound, rec.ImageID)
	}
	return m.provisionLocked(ctx, rec, img.Image, caller)
}

// Stop moves a running container to stopped and releases its slot. On
// adapter failure the container stays in stopping and the reaper retries.
func (m *Manager) Stop(ctx context.Context, id uuid.UUID, caller Caller) (LabContainer, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return LabContainer{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !caller.canTouch(rec.OwnerID) {
		return LabContainer{}, ErrForbidden
	}
	if rec.State != StateRunning {
		return rec.view(), fmt.Errorf("%w: stop from %s", ErrInvalidTransition, rec.State)
	}

	m.transitionLocked(ctx, rec, StateStopping, caller, "", "")

	if err := m.terminate(ctx, rec); err != nil {
		// Stay in stopping; do not silently revert. The reaper retries.
		rec.retryTerminate = true
		m.logger.Warn("terminate failed, container held in stopping",
			zap.String("container_id", rec.ID.String()), zap.Error(err))
		return rec.view(), fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}

	m.settleStoppedLocked(ctx, rec, caller, "")
	return rec.view(), nil
}

// Destroy tears the container down from any non-terminal state. Best-effort
// on the adapter side: the container is destroyed and the slot released even
// when the runtime cannot be reached, with the adapter error kept as detail
// and the dangling runtime ref queued for reaper cleanup. Idempotent.
func (m *Manager) Destroy(ctx context.Context, id uuid.UUID, caller Caller, reason audit.Reason) error {
	rec, err := m.lookup(id)
	if err != nil {
		if errors.Is(err, errTombstoned) {
			return nil // already destroyed, no-op success
		}
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.State == StateDestroyed {
		return nil
	}
	if !caller.canTouch(rec.OwnerID) {
		return ErrForbidden
	}

	if reason == "" {
		if caller.System != "" || (caller.Admin && caller.UserID != rec.OwnerID) {
			reason = audit.ReasonAdminRequested
		} else {
			reason = audit.ReasonUserRequested
		}
	}

	detail := ""
	if rec.Connection != nil {
		if err := m.terminate(ctx, rec); err != nil {
			detail = err.Error()
			m.mu.Lock()
			m.orphans[rec.Connection.Ref] = rec.ID
			m.mu.Unlock()
		}
	}

	from := rec.State
	rec.State = StateDestroyed
	rec.Connection = nil
	m.ledger.Transition(rec.OwnerID, string(from), "")
	m.releaseLocked(rec)
	m.record(ctx, rec, from, StateDestroyed, caller, reason, detail)
	if m.metrics != nil {
		m.metrics.TransitionCounter.WithLabelValues(string(StateDestroyed)).Inc()
		if from.Active() {
			m.metrics.ActiveContainers.Dec()
		}
	}

	m.mu.Lock()
	delete(m.containers, rec.ID)
	m.tombstones[rec.ID] = time.Now()
	m.mu.Unlock()

	m.logger.Info("container destroyed",
		zap.String("container_id", rec.ID.String()),
		zap.String("actor", caller.Actor()),
		zap.String("reason", string(reason)))
	return nil
}

// RecordActivity bumps last_activity_at. Any successful connect or
// interaction counts; state is untouched.
func (m *Manager) RecordActivity(id uuid.UUID, caller Caller) error {
	rec, err := m.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !caller.canTouch(rec.OwnerID) {
		return ErrForbidden
	}
	rec.LastActivityAt = time.Now()
	return nil
}

// Get returns one container, owner or admin only.
func (m *Manager) Get(id uuid.UUID, caller Caller) (LabContainer, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return LabContainer{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !caller.canTouch(rec.OwnerID) {
		return LabContainer{}, ErrForbidden
	}
	return rec.view(), nil
}

// ListOwned returns the caller's non-destroyed containers, oldest first.
func (m *Manager) ListOwned(owner uuid.UUID) []LabContainer {
	return m.list(func(c *record) bool { return c.OwnerID == owner })
}

// ListAll returns every non-destroyed container. Admin and internal use.
func (m *Manager) ListAll() []LabContainer {
	return m.list(func(*record) bool { return true })
}

// ImageInUse reports whether any non-destroyed container references the
// image. Wired into the catalog's removal guard.
func (m *Manager) ImageInUse(imageID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.containers {
		if rec.ImageID == imageID {
			return true
		}
	}
	return false
}

// RetryStuck re-attempts terminate for containers held in stopping after an
// adapter failure. Reaper path.
func (m *Manager) RetryStuck(ctx context.Context, caller Caller) {
	for _, rec := range m.records() {
		rec.mu.Lock()
		if rec.State != StateStopping || !rec.retryTerminate {
			rec.mu.Unlock()
			continue
		}
		if err := m.terminate(ctx, rec); err != nil {
			m.logger.Warn("terminate retry failed",
				zap.String("container_id", rec.ID.String()), zap.Error(err))
			rec.mu.Unlock()
			continue
		}
		rec.retryTerminate = false
		m.settleStoppedLocked(ctx, rec, caller, "terminate retried")
		rec.mu.Unlock()
	}
}

// ReapOrphans retries teardown of runtime refs left behind by best-effort
// destroys.
func (m *Manager) ReapOrphans(ctx context.Context, caller Caller) {
	m.mu.Lock()
	refs := make(map[string]uuid.UUID, len(m.orphans))
	for ref, id := range m.orphans {
		refs[ref] = id
	}
	m.mu.Unlock()

	for ref, id := range refs {
		tctx, cancel := context.WithTimeout(ctx, m.opts.TerminateTimeout)
		err := m.adapter.Terminate(tctx, ref)
		cancel()
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			m.logger.Warn("orphan teardown failed",
				zap.String("ref", ref), zap.Error(err))
			continue
		}
		m.mu.Lock()
		delete(m.orphans, ref)
		m.mu.Unlock()
		m.logger.Info("orphaned runtime container reclaimed",
			zap.String("ref", ref), zap.String("container_id", id.String()),
			zap.String("actor", caller.Actor()))
	}
}

// RefreshUsage polls the adapter for cpu/memory snapshots of running
// containers. Failures are per-container and non-fatal.
func (m *Manager) RefreshUsage(ctx context.Context) {
	for _, rec := range m.records() {
		rec.mu.Lock()
		if rec.State != StateRunning || rec.Connection == nil {
			rec.mu.Unlock()
			continue
		}
		ref := rec.Connection.Ref
		rec.mu.Unlock()

		uctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		usage, err := m.adapter.Usage(uctx, ref)
		cancel()
		if err != nil {
			m.logger.Debug("usage poll failed",
				zap.String("container_id", rec.ID.String()), zap.Error(err))
			continue
		}

		rec.mu.Lock()
		if rec.State == StateRunning {
			rec.CPUUsage = usage.CPUPercent
			rec.MemoryUsageMB = usage.MemoryMB
		}
		rec.mu.Unlock()
	}
}

// ReconcileLedger recomputes the ledger from the live container set. Run at
// startup and usable as a consistency check: the container set is the source
// of truth.
func (m *Manager) ReconcileLedger() {
	var seeds []ledger.Seed
	for _, rec := range m.records() {
		rec.mu.Lock()
		if rec.State != StateDestroyed {
			seed := ledger.Seed{
				UserID:   rec.OwnerID,
				State:    string(rec.State),
				SlotHeld: rec.slotHeld,
			}
			if rec.claimed {
				seed.CPU = rec.cpuLimit
				seed.MemoryMB = rec.memoryLimitMB
			}
			seeds = append(seeds, seed)
		}
		rec.mu.Unlock()
	}
	m.ledger.Recompute(seeds)
}

// --- internals ---

// errTombstoned wraps ErrNotFound so every operation except Destroy reports a
// destroyed id as missing; Destroy treats it as an idempotent success.
var errTombstoned = fmt.Errorf("%w: already destroyed", ErrNotFound)

func (m *Manager) lookup(id uuid.UUID) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rec, ok := m.containers[id]; ok {
		return rec, nil
	}
	if _, ok := m.tombstones[id]; ok {
		return nil, errTombstoned
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (m *Manager) records() []*record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*record, 0, len(m.containers))
	for _, rec := range m.containers {
		out = append(out, rec)
	}
	return out
}

func (m *Manager) list(keep func(*record) bool) []LabContainer {
	var out []LabContainer
	for _, rec := range m.records() {
		rec.mu.Lock()
		if rec.State != StateDestroyed && keep(rec) {
			out = append(out, rec.view())
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) nameTaken(owner uuid.UUID, name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nameTakenLocked(owner, name)
}

func (m *Manager) nameTakenLocked(owner uuid.UUID, name string) bool {
	for _, rec := range m.containers {
		if rec.OwnerID == owner && rec.Name == name {
			return true
		}
	}
	return false
}

// provisionLocked runs the adapter provision step for a record in starting.
// The record's transition lock must be held.
func (m *Manager) provisionLocked(ctx context.Context, rec *record, imageRef string, caller Caller) (LabContainer, error) {
	spec := runtime.ProvisionSpec{
		Name:          fmt.Sprintf("%s-%s", rec.Name, rec.OwnerID),
		Image:         imageRef,
		CPULimit:      rec.cpuLimit,
		MemoryLimitMB: rec.memoryLimitMB,
	}
	if img, err := m.catalog.Get(rec.ImageID); err == nil {
		spec.Graphical = img.ConnectionKind == catalog.ConnectionGraphicalDesktop
		spec.Browser = img.ConnectionKind == catalog.ConnectionBrowserRemote
	}

	pctx, cancel := context.WithTimeout(ctx, m.opts.ProvisionTimeout)
	conn, err := m.adapter.Provision(pctx, spec)
	cancel()
	if err != nil {
		m.failLocked(ctx, rec, caller, err.Error())
		return rec.view(), fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}

	now := time.Now()
	rec.Connection = &conn
	rec.StartedAt = &now
	rec.LastActivityAt = now
	m.transitionLocked(ctx, rec, StateRunning, caller, "", "")
	return rec.view(), nil
}

// failLocked moves a record to failed and releases its ledger slot.
func (m *Manager) failLocked(ctx context.Context, rec *record, caller Caller, detail string) {
	m.transitionLocked(ctx, rec, StateFailed, caller, audit.ReasonProvisionFailed, detail)
	m.releaseLocked(rec)
}

// settleStoppedLocked finishes a stop after a successful terminate.
func (m *Manager) settleStoppedLocked(ctx context.Context, rec *record, caller Caller, detail string) {
	rec.Connection = nil
	rec.StartedAt = nil
	rec.CPUUsage = 0
	rec.MemoryUsageMB = 0
	m.transitionLocked(ctx, rec, StateStopped, caller, "", detail)
	m.releaseLocked(rec)
}

// terminate calls the adapter with a bounded timeout. A missing runtime
// container is success.
func (m *Manager) terminate(ctx context.Context, rec *record) error {
	if rec.Connection == nil {
		return nil
	}
	tctx, cancel := context.WithTimeout(ctx, m.opts.TerminateTimeout)
	defer cancel()

	err := m.adapter.Terminate(tctx, rec.Connection.Ref)
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return err
	}
	return nil
}

// releaseLocked returns the ledger slot and resource claim exactly once.
func (m *Manager) releaseLocked(rec *record) {
	if rec.slotHeld {
		m.ledger.Release(rec.OwnerID)
		rec.slotHeld = false
	}
	if rec.claimed {
		m.ledger.Unclaim(rec.OwnerID, rec.cpuLimit, rec.memoryLimitMB)
		rec.claimed = false
	}
}

// transitionLocked applies a state change, keeps the ledger buckets in step
// and appends the audit event. Record lock must be held.
func (m *Manager) transitionLocked(ctx context.Context, rec *record, to State, caller Caller, reason audit.Reason, detail string) {
	from := rec.State
	rec.State = to

	toBucket := string(to)
	if to.Terminal() {
		toBucket = ""
	}
	m.ledger.Transition(rec.OwnerID, string(from), toBucket)
	m.record(ctx, rec, from, to, caller, reason, detail)

	if m.metrics != nil {
		m.metrics.TransitionCounter.WithLabelValues(string(to)).Inc()
		switch {
		case from.Active() && !to.Active():
			m.metrics.ActiveContainers.Dec()
		case !from.Active() && to.Active():
			m.metrics.ActiveContainers.Inc()
		}
	}
}

// record appends one audit event for a transition. Audit failure is logged,
// never propagated: the state machine cannot stall on the log.
func (m *Manager) record(ctx context.Context, rec *record, from, to State, caller Caller, reason audit.Reason, detail string) {
	event := audit.Event{
		Actor:       caller.Actor(),
		ContainerID: rec.ID,
		FromState:   string(from),
		ToState:     string(to),
		Reason:      reason,
		Detail:      detail,
	}
	if err := m.log.Append(ctx, event); err != nil {
		m.logger.Error("audit append failed",
			zap.String("container_id", rec.ID.String()), zap.Error(err))
	}
}
