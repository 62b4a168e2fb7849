package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/labforge/internal/audit"
	"github.com/FairForge/labforge/internal/catalog"
	"github.com/FairForge/labforge/internal/ledger"
	"github.com/FairForge/labforge/internal/runtime"
)

type fixedPolicy struct {
	max int
}

func (p fixedPolicy) QuotaFor(uuid.UUID) ledger.Quota {
	return ledger.Quota{MaxConcurrentContainers: p.max}
}

type harness struct {
	manager *Manager
	catalog *catalog.Catalog
	ledger  *ledger.Ledger
	mock    *runtime.Mock
	log     *audit.MemoryLog
	image   catalog.ContainerImage
}

func newHarness(t *testing.T, maxPerUser int) *harness {
	t.Helper()

	cat := catalog.New()
	img, err := cat.Add(catalog.ContainerImage{
		Name:           "Kali Linux",
		Image:          "kalilinux/kali-rolling:latest",
		Category:       "security",
		CPULimit:       2.0,
		MemoryLimitMB:  4096,
		ConnectionKind: catalog.ConnectionGraphicalDesktop,
		Active:         true,
	})
	require.NoError(t, err)

	led := ledger.New(fixedPolicy{max: maxPerUser})
	mock := runtime.NewMock()
	log := audit.NewMemoryLog()

	m := NewManager(cat, led, mock, log, zap.NewNop(), Options{
		ProvisionTimeout: 5 * time.Second,
		TerminateTimeout: 5 * time.Second,
	})
	cat.SetInUseChecker(m.ImageInUse)

	return &harness{manager: m, catalog: cat, ledger: led, mock: mock, log: log, image: img}
}

func TestManager_CreateRuns(t *testing.T) {
	h := newHarness(t, 2)
	owner := uuid.New()

	c, err := h.manager.Create(context.Background(), owner, h.image.ID, "box")
	require.NoError(t, err)

	assert.Equal(t, StateRunning, c.State)
	assert.Equal(t, owner, c.OwnerID)
	require.NotNil(t, c.Connection)
	assert.NotEmpty(t, c.Connection.VNCURL)
	assert.NotNil(t, c.StartedAt)
	assert.Equal(t, 1, h.ledger.Snapshot(owner).Used)

	// pending -> starting -> running, in order.
	events, err := h.log.Query(context.Background(), audit.Query{ContainerID: c.ID})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "pending", events[0].ToState)
	assert.Equal(t, "starting", events[1].ToState)
	assert.Equal(t, "running", events[2].ToState)
	assert.Equal(t, fmt.Sprintf("user:%s", owner), events[0].Actor)
}

func TestManager_CreateValidation(t *testing.T) {
	h := newHarness(t, 2)
	owner := uuid.New()

	t.Run("unknown image", func(t *testing.T) {
		_, err := h.manager.Create(context.Background(), owner, uuid.New(), "box")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("inactive image", func(t *testing.T) {
		retired, err := h.catalog.Add(catalog.ContainerImage{Name: "Old", Image: "old:latest"})
		require.NoError(t, err)
		_, err = h.manager.Create(context.Background(), owner, retired.ID, "box")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := h.manager.Create(context.Background(), owner, h.image.ID, "")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("duplicate name per owner", func(t *testing.T) {
		_, err := h.manager.Create(context.Background(), owner, h.image.ID, "dup")
		require.NoError(t, err)
		_, err = h.manager.Create(context.Background(), owner, h.image.ID, "dup")
		assert.ErrorIs(t, err, ErrDuplicateName)

		// A different owner may reuse the name.
		_, err = h.manager.Create(context.Background(), uuid.New(), h.image.ID, "dup")
		assert.NoError(t, err)
	})
}

func TestManager_QuotaEnforced(t *testing.T) {
	h := newHarness(t, 2)
	owner := uuid.New()
	ctx := context.Background()

	a, err := h.manager.Create(ctx, owner, h.image.ID, "a")
	require.NoError(t, err)
	_, err = h.manager.Create(ctx, owner, h.image.ID, "b")
	require.NoError(t, err)

	_, err = h.manager.Create(ctx, owner, h.image.ID, "c")
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Stopping one frees the slot; the third create then succeeds.
	caller := Caller{UserID: owner}
	_, err = h.manager.Stop(ctx, a.ID, caller)
	require.NoError(t, err)

	_, err = h.manager.Create(ctx, owner, h.image.ID, "c")
	assert.NoError(t, err)

	// And the stopped one cannot come back while the limit is reached.
	_, err = h.manager.Start(ctx, a.ID, caller)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

// At the quota boundary, N concurrent creates admit exactly the remaining
// slots; reserved-but-failed attempts leave no residue.
func TestManager_ConcurrentCreateAtBoundary(t *testing.T) {
	const attempts = 20
	h := newHarness(t, 2)
	owner := uuid.New()

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.manager.Create(context.Background(), owner, h.image.ID,
				fmt.Sprintf("box-%d", i))
		}(i)
	}
	wg.Wait()

	var created, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrQuotaExceeded):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, created)
	assert.Equal(t, attempts-2, rejected)
	assert.Equal(t, 2, h.ledger.Snapshot(owner).Used)
	assert.Len(t, h.manager.ListOwned(owner), 2)
}

func TestManager_StopStartRoundTrip(t *testing.T) {
	h := newHarness(t, 2)
	owner := uuid.New()
	ctx := context.Background()
	caller := Caller{UserID: owner}

	c, err := h.manager.Create(ctx, owner, h.image.ID, "box")
	require.NoError(t, err)

	stopped, err := h.manager.Stop(ctx, c.ID, caller)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, stopped.State)
	assert.Nil(t, stopped.Connection)
	assert.Nil(t, stopped.StartedAt)
	assert.Zero(t, stopped.CPUUsage)
	assert.Equal(t, 0, h.ledger.Snapshot(owner).Used, "stopped must not hold a slot")

	restarted, err := h.manager.Start(ctx, c.ID, caller)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, restarted.State)
	require.NotNil(t, restarted.Connection)
	assert.Equal(t, 1, h.ledger.Snapshot(owner).Used)

	require.NoError(t, h.manager.Destroy(ctx, c.ID, caller, ""))
	assert.Equal(t, 0, h.ledger.Snapshot(owner).Used)
}

func TestManager_InvalidTransitions(t *testing.T) {
	h := newHarness(t, 2)
	owner := uuid.New()
	ctx := context.Background()
	caller := Caller{UserID: owner}

	c, err := h.manager.Create(ctx, owner, h.image.ID, "box")
	require.NoError(t, err)

	// Start from running is invalid.
	_, err = h.manager.Start(ctx, c.ID, caller)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.manager.Stop(ctx, c.ID, caller)
	require.NoError(t, err)

	// Stop from stopped is invalid.
	_, err = h.manager.Stop(ctx, c.ID, caller)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestManager_ProvisionFailure(t *testing.T) {
	h := newHarness(t, 2)
	h.mock.ProvisionErr = errors.New("image pull timed out")
	owner := uuid.New()
	ctx := context.Background()

	c, err := h.manager.Create(ctx, owner, h.image.ID, "box")
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
	assert.Equal(t, StateFailed, c.State)
	assert.Equal(t, 0, h.ledger.Snapshot(owner).Used, "failed releases the slot")

	// Failed accepts no restart; only destroy.
	caller := Caller{UserID: owner}
	_, err = h.manager.Start(ctx, c.ID, caller)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.manager.Stop(ctx, c.ID, caller)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, h.manager.Destroy(ctx, c.ID, caller, ""))

	events, err := h.log.Query(ctx, audit.Query{ContainerID: c.ID})
	require.NoError(t, err)
	var sawFailed bool
	for _, e := range events {
		if e.ToState == "failed" {
			sawFailed = true
			assert.Equal(t, audit.ReasonProvisionFailed, e.Reason)
			assert.Contains(t, e.Detail, "image pull timed out")
		}
	}
	assert.True(t, sawFailed)
}

func TestManager_DestroyIdempotent(t *testing.T) {
	h := newHarness(t, 2)
	owner := uuid.New()
	ctx := context.Background()
	caller := Caller{UserID: owner}

	c, err := h.manager.Create(ctx, owner, h.image.ID, "box")
	require.NoError(t, err)
	require.Equal(t, 1, h.ledger.Snapshot(owner).Used)

	require.NoError(t, h.manager.Destroy(ctx, c.ID, caller, ""))
	require.NoError(t, h.manager.Destroy(ctx, c.ID, caller, ""))
	require.NoError(t, h.manager.Destroy(ctx, c.ID, caller, ""))

	// Exactly one net release, no underflow.
	assert.Equal(t, 0, h.ledger.Snapshot(owner).Used)
	assert.True(t, h.ledger.Reserve(owner))
	assert.True(t, h.ledger.Reserve(owner))
	assert.False(t, h.ledger.Reserve(owner))

	// Destroyed containers vanish from listings and read as missing.
	assert.Empty(t, h.manager.ListOwned(owner))
	_, err = h.manager.Get(c.ID, caller)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.manager.Start(ctx, c.ID, caller)
	assert.ErrorIs(t, err, ErrNotFound)

	// A genuinely unknown id is still NotFound.
	assert.ErrorIs(t, h.manager.Destroy(ctx, uuid.New(), caller, ""), ErrNotFound)
}

func TestManager_DestroySurvivesAdapterFailure(t *testing.T) {
	h := newHarness(t, 2)
	owner := uuid.New()
	ctx := context.Background()
	caller := Caller{UserID: owner}

	c, err := h.manager.Create(ctx, owner, h.image.ID, "box")
	require.NoError(t, err)
	require.NotNil(t, c.Connection)
	ref := c.Connection.Ref

	h.mock.TerminateErr = errors.New("docker daemon unreachable")
	require.NoError(t, h.manager.Destroy(ctx, c.ID, caller, ""))
	assert.Equal(t, 0, h.ledger.Snapshot(owner).Used)
	assert.Empty(t, h.manager.ListOwned(owner))

	// The runtime container is still alive behind the adapter.
	_, err = h.mock.Usage(ctx, ref)
	require.NoError(t, err)

	// A later sweep reclaims the dangling ref.
	h.mock.TerminateErr = nil
	h.manager.ReapOrphans(ctx, Caller{Admin: true, System: audit.ActorReaper})
	_, err = h.mock.Usage(ctx, ref)
	assert.ErrorIs(t, err, runtime.ErrNotFound)
}

func TestManager_StopAdapterFailureHoldsStopping(t *testing.T) {
	h := newHarness(t, 2)
	owner := uuid.New()
	ctx := context.Background()
	caller := Caller{UserID: owner}

	c, err := h.manager.Create(ctx, owner, h.image.ID, "box")
	require.NoError(t, err)

	h.mock.TerminateErr = errors.New("docker daemon unreachable")
	held, err := h.manager.Stop(ctx, c.ID, caller)
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
	assert.Equal(t, StateStopping, held.State)
	assert.Equal(t, 1, h.ledger.Snapshot(owner).Used, "stopping still holds the slot")

	// Retry path finishes the stop once the adapter recovers.
	h.mock.TerminateErr = nil
	h.manager.RetryStuck(ctx, Caller{Admin: true, System: audit.ActorReaper})

	got, err := h.manager.Get(c.ID, caller)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.State)
	assert.Equal(t, 0, h.ledger.Snapshot(owner).Used)
}

func TestManager_Ownership(t *testing.T) {
	h := newHarness(t, 2)
	owner, stranger := uuid.New(), uuid.New()
	ctx := context.Background()

	c, err := h.manager.Create(ctx, owner, h.image.ID, "box")
	require.NoError(t, err)

	_, err = h.manager.Get(c.ID, Caller{UserID: stranger})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.manager.Stop(ctx, c.ID, Caller{UserID: stranger})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, h.manager.Destroy(ctx, c.ID, Caller{UserID: stranger}, ""), ErrForbidden)

	// Admins may touch anything.
	got, err := h.manager.Get(c.ID, Caller{UserID: stranger, Admin: true})
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	require.NoError(t, h.manager.Destroy(ctx, c.ID, Caller{UserID: stranger, Admin: true}, ""))

	events, err := h.log.Query(ctx, audit.Query{ContainerID: c.ID})
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, "destroyed", last.ToState)
	assert.Equal(t, audit.ReasonAdminRequested, last.Reason)
}

func TestManager_RecordActivity(t *testing.T) {
	h := newHarness(t, 2)
	owner := uuid.New()
	ctx := context.Background()
	caller := Caller{UserID: owner}

	c, err := h.manager.Create(ctx, owner, h.image.ID, "box")
	require.NoError(t, err)
	before := c.LastActivityAt

	auditLen := h.log.Len()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, h.manager.RecordActivity(c.ID, caller))

	got, err := h.manager.Get(c.ID, caller)
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.After(before))
	assert.Equal(t, auditLen, h.log.Len(), "activity is not a transition, no audit event")
}

func TestManager_RefreshUsage(t *testing.T) {
	h := newHarness(t, 2)
	owner := uuid.New()
	ctx := context.Background()

	c, err := h.manager.Create(ctx, owner, h.image.ID, "box")
	require.NoError(t, err)
	assert.Zero(t, c.CPUUsage)

	h.manager.RefreshUsage(ctx)

	got, err := h.manager.Get(c.ID, Caller{UserID: owner})
	require.NoError(t, err)
	assert.Equal(t, 3.5, got.CPUUsage)
	assert.Equal(t, 256.0, got.MemoryUsageMB)
}

func TestManager_ImageInUse(t *testing.T) {
	h := newHarness(t, 2)
	owner := uuid.New()
	ctx := context.Background()

	assert.False(t, h.manager.ImageInUse(h.image.ID))

	c, err := h.manager.Create(ctx, owner, h.image.ID, "box")
	require.NoError(t, err)
	assert.True(t, h.manager.ImageInUse(h.image.ID))
	assert.ErrorIs(t, h.catalog.Remove(h.image.ID), catalog.ErrImageInUse)

	require.NoError(t, h.manager.Destroy(ctx, c.ID, Caller{UserID: owner}, ""))
	assert.False(t, h.manager.ImageInUse(h.image.ID))
	assert.NoError(t, h.catalog.Remove(h.image.ID))
}

func TestManager_ReconcileLedger(t *testing.T) {
	h := newHarness(t, 2)
	owner := uuid.New()
	ctx := context.Background()

	_, err := h.manager.Create(ctx, owner, h.image.ID, "a")
	require.NoError(t, err)
	b, err := h.manager.Create(ctx, owner, h.image.ID, "b")
	require.NoError(t, err)
	_, err = h.manager.Stop(ctx, b.ID, Caller{UserID: owner})
	require.NoError(t, err)

	// Corrupt the ledger, then rebuild from the container set.
	h.ledger.Reserve(owner)
	h.ledger.Claim(owner, 9.0, 9999)

	h.manager.ReconcileLedger()

	snap := h.ledger.Snapshot(owner)
	assert.Equal(t, 1, snap.Used)
	assert.Equal(t, 2.0, snap.CPUClaimed)
	assert.Equal(t, int64(4096), snap.MemoryClaimedMB)
	assert.Equal(t, map[string]int{"running": 1, "stopped": 1}, snap.States)
}

func TestManager_ListOrdering(t *testing.T) {
	h := newHarness(t, 5)
	owner := uuid.New()
	ctx := context.Background()

	for _, name := range []string{"first", "second", "third"} {
		_, err := h.manager.Create(ctx, owner, h.image.ID, name)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	list := h.manager.ListOwned(owner)
	require.Len(t, list, 3)
	assert.Equal(t, "first", list[0].Name)
	assert.Equal(t, "third", list[2].Name)
	assert.Empty(t, h.manager.ListOwned(uuid.New()))
}
