package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/labforge/internal/audit"
	"github.com/FairForge/labforge/internal/catalog"
	"github.com/FairForge/labforge/internal/config"
	"github.com/FairForge/labforge/internal/ledger"
	"github.com/FairForge/labforge/internal/lifecycle"
	"github.com/FairForge/labforge/internal/runtime"
	"github.com/FairForge/labforge/internal/users"
)

type harness struct {
	reaper   *Reaper
	manager  *lifecycle.Manager
	settings *config.Settings
	store    *users.MemoryStore
	mock     *runtime.Mock
	log      *audit.MemoryLog
	image    catalog.ContainerImage
}

func newHarness(t *testing.T, limits config.LimitsConfig) *harness {
	t.Helper()

	cat := catalog.New()
	img, err := cat.Add(catalog.ContainerImage{
		Name:   "Kali Linux",
		Image:  "kalilinux/kali-rolling:latest",
		Active: true,
	})
	require.NoError(t, err)

	settings := config.NewSettings(limits)
	store := users.NewMemoryStore()
	policy := users.NewPolicy(store, settings)
	led := ledger.New(policy)
	mock := runtime.NewMock()
	log := audit.NewMemoryLog()

	m := lifecycle.NewManager(cat, led, mock, log, zap.NewNop(), lifecycle.Options{})
	r := New(m, settings, policy, log, zap.NewNop())

	return &harness{reaper: r, manager: m, settings: settings, store: store,
		mock: mock, log: log, image: img}
}

func TestReaper_ReclaimsInactive(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{
		MaxConcurrentContainersPerUser: 5,
		InactivityTimeout:              20 * time.Millisecond,
		MaxContainerLifetime:           time.Hour,
		ReaperInterval:                 time.Hour,
	})
	owner := uuid.New()
	ctx := context.Background()

	idle, err := h.manager.Create(ctx, owner, h.image.ID, "idle")
	require.NoError(t, err)
	busy, err := h.manager.Create(ctx, owner, h.image.ID, "busy")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, h.manager.RecordActivity(busy.ID, lifecycle.Caller{UserID: owner}))

	h.reaper.Sweep(ctx)

	list := h.manager.ListOwned(owner)
	require.Len(t, list, 1)
	assert.Equal(t, busy.ID, list[0].ID)

	events, err := h.log.Query(ctx, audit.Query{ContainerID: idle.ID})
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, "destroyed", last.ToState)
	assert.Equal(t, audit.ReasonInactivityTimeout, last.Reason)
	assert.Equal(t, audit.ActorReaper, last.Actor)

	assert.False(t, h.reaper.LastSweep().IsZero())
}

func TestReaper_ReclaimsExpiredLifetime(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{
		MaxConcurrentContainersPerUser: 5,
		InactivityTimeout:              time.Hour,
		MaxContainerLifetime:           20 * time.Millisecond,
		ReaperInterval:                 time.Hour,
	})
	owner := uuid.New()
	ctx := context.Background()

	c, err := h.manager.Create(ctx, owner, h.image.ID, "old")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	// Recent activity does not save a container past its lifetime.
	require.NoError(t, h.manager.RecordActivity(c.ID, lifecycle.Caller{UserID: owner}))

	h.reaper.Sweep(ctx)

	assert.Empty(t, h.manager.ListOwned(owner))
	events, err := h.log.Query(ctx, audit.Query{ContainerID: c.ID})
	require.NoError(t, err)
	assert.Equal(t, audit.ReasonLifetimeExceeded, events[len(events)-1].Reason)
}

func TestReaper_PerUserOverrides(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{
		MaxConcurrentContainersPerUser: 5,
		InactivityTimeout:              20 * time.Millisecond,
		MaxContainerLifetime:           time.Hour,
		ReaperInterval:                 time.Hour,
	})
	ctx := context.Background()

	// This user is allowed a much longer idle window than the default.
	patient, err := h.store.Create(ctx, users.User{
		Username:          "patient",
		Email:             "patient@example.com",
		InactivityTimeout: time.Hour,
	})
	require.NoError(t, err)

	c, err := h.manager.Create(ctx, patient.ID, h.image.ID, "box")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	h.reaper.Sweep(ctx)

	list := h.manager.ListOwned(patient.ID)
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)
}

func TestReaper_FailureDoesNotAbortSweep(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{
		MaxConcurrentContainersPerUser: 5,
		InactivityTimeout:              20 * time.Millisecond,
		MaxContainerLifetime:           time.Hour,
		ReaperInterval:                 time.Hour,
	})
	owner := uuid.New()
	ctx := context.Background()

	a, err := h.manager.Create(ctx, owner, h.image.ID, "a")
	require.NoError(t, err)
	b, err := h.manager.Create(ctx, owner, h.image.ID, "b")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	// Every terminate fails, but destroy is best-effort so both containers
	// still leave the active set and their slots come back.
	h.mock.TerminateErr = errors.New("docker daemon unreachable")
	h.reaper.Sweep(ctx)

	assert.Empty(t, h.manager.ListOwned(owner))
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		events, err := h.log.Query(ctx, audit.Query{ContainerID: id})
		require.NoError(t, err)
		assert.Equal(t, "destroyed", events[len(events)-1].ToState)
	}

	// The next sweep reclaims the runtime leftovers.
	h.mock.TerminateErr = nil
	h.reaper.Sweep(ctx)
	for _, c := range []lifecycle.LabContainer{a, b} {
		_, err := h.mock.Usage(ctx, c.Connection.Ref)
		assert.ErrorIs(t, err, runtime.ErrNotFound)
	}
}

func TestReaper_LeavesHealthyContainersAlone(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{
		MaxConcurrentContainersPerUser: 5,
		InactivityTimeout:              time.Hour,
		MaxContainerLifetime:           time.Hour,
		ReaperInterval:                 time.Hour,
	})
	owner := uuid.New()
	ctx := context.Background()

	_, err := h.manager.Create(ctx, owner, h.image.ID, "box")
	require.NoError(t, err)

	h.reaper.Sweep(ctx)
	assert.Len(t, h.manager.ListOwned(owner), 1)
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, config.LimitsConfig{
		MaxConcurrentContainersPerUser: 5,
		InactivityTimeout:              time.Hour,
		MaxContainerLifetime:           time.Hour,
		ReaperInterval:                 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.reaper.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on context cancel")
	}
	assert.False(t, h.reaper.LastSweep().IsZero())
}
