package stats

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/labforge/internal/audit"
	"github.com/FairForge/labforge/internal/catalog"
	"github.com/FairForge/labforge/internal/ledger"
	"github.com/FairForge/labforge/internal/lifecycle"
	"github.com/FairForge/labforge/internal/runtime"
	"github.com/FairForge/labforge/internal/users"
)

type fixedPolicy struct {
	max int
}

func (p fixedPolicy) QuotaFor(uuid.UUID) ledger.Quota {
	return ledger.Quota{MaxConcurrentContainers: p.max}
}

type harness struct {
	agg     *Aggregator
	manager *lifecycle.Manager
	store   *users.MemoryStore
	image   catalog.ContainerImage
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cat := catalog.New()
	img, err := cat.Add(catalog.ContainerImage{
		Name:          "Kali Linux",
		Image:         "kalilinux/kali-rolling:latest",
		CPULimit:      2.0,
		MemoryLimitMB: 4096,
		Active:        true,
	})
	require.NoError(t, err)

	led := ledger.New(fixedPolicy{max: 100})
	m := lifecycle.NewManager(cat, led, runtime.NewMock(), audit.NewMemoryLog(),
		zap.NewNop(), lifecycle.Options{})
	store := users.NewMemoryStore()

	return &harness{agg: New(m, led, store), manager: m, store: store, image: img}
}

func TestAggregator_SystemStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob"} {
		_, err := h.store.Create(ctx, users.User{
			Username: name,
			Email:    name + "@example.com",
		})
		require.NoError(t, err)
	}

	alice, bob := uuid.New(), uuid.New()
	a, err := h.manager.Create(ctx, alice, h.image.ID, "a")
	require.NoError(t, err)
	_, err = h.manager.Create(ctx, alice, h.image.ID, "b")
	require.NoError(t, err)
	_, err = h.manager.Create(ctx, bob, h.image.ID, "c")
	require.NoError(t, err)

	_, err = h.manager.Stop(ctx, a.ID, lifecycle.Caller{UserID: alice})
	require.NoError(t, err)

	out, err := h.agg.SystemStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, out.TotalContainers)
	assert.Equal(t, 2, out.ActiveContainers)
	assert.Equal(t, 2, out.ActiveUsers)
	assert.Equal(t, 2, out.TotalUsers)
	assert.Equal(t, map[string]int{"running": 2, "stopped": 1}, out.StateCounts)
	assert.Equal(t, 4.0, out.CPUClaimed, "stopped containers claim nothing")
	assert.Equal(t, int64(8192), out.MemoryClaimedMB)
}

// active_containers must equal the number of live containers in
// {pending, starting, running, stopping} after any operation sequence.
func TestAggregator_ActiveCountAfterRandomizedSequences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	owners := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	var ids []uuid.UUID

	for i := 0; i < 200; i++ {
		owner := owners[rng.Intn(len(owners))]
		caller := lifecycle.Caller{UserID: owner, Admin: true}

		switch rng.Intn(4) {
		case 0:
			c, err := h.manager.Create(ctx, owner, h.image.ID, uuid.NewString())
			if err == nil {
				ids = append(ids, c.ID)
			}
		case 1:
			if len(ids) > 0 {
				_, _ = h.manager.Stop(ctx, ids[rng.Intn(len(ids))], caller)
			}
		case 2:
			if len(ids) > 0 {
				_, _ = h.manager.Start(ctx, ids[rng.Intn(len(ids))], caller)
			}
		case 3:
			if len(ids) > 0 {
				_ = h.manager.Destroy(ctx, ids[rng.Intn(len(ids))], caller, "")
			}
		}

		out, err := h.agg.SystemStats(ctx)
		require.NoError(t, err)

		want := 0
		for _, c := range h.manager.ListAll() {
			if c.State.Active() {
				want++
			}
		}
		require.Equal(t, want, out.ActiveContainers, "iteration %d", i)
	}
}

func TestAggregator_UserStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()

	_, err := h.manager.Create(ctx, owner, h.image.ID, "a")
	require.NoError(t, err)
	_, err = h.manager.Create(ctx, owner, h.image.ID, "b")
	require.NoError(t, err)

	out := h.agg.UserStats(ctx, owner)
	assert.Equal(t, 2, out.Ledger.Used)
	assert.Len(t, out.Containers, 2)
	assert.Equal(t, 100, out.Ledger.Quota.MaxConcurrentContainers)

	// Unknown users get an empty breakdown, not an error.
	empty := h.agg.UserStats(ctx, uuid.New())
	assert.Zero(t, empty.Ledger.Used)
	assert.Empty(t, empty.Containers)
}
