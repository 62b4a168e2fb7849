package users

import (
	"context"

	"github.com/google/uuid"

	"github.com/FairForge/labforge/internal/config"
	"github.com/FairForge/labforge/internal/ledger"
)

// Policy resolves effective quotas: per-user admin overrides on top of the
// hot-reloadable system defaults. Resolved fresh at every decision point so
// neither layer is cached.
type Policy struct {
	store    Store
	settings *config.Settings
}

func NewPolicy(store Store, settings *config.Settings) *Policy {
	return &Policy{store: store, settings: settings}
}

func (p *Policy) QuotaFor(userID uuid.UUID) ledger.Quota {
	q := ledger.Quota{
		MaxConcurrentContainers: p.settings.MaxConcurrentContainersPerUser(),
		MaxContainerLifetime:    p.settings.MaxContainerLifetime(),
		InactivityTimeout:       p.settings.InactivityTimeout(),
	}

	u, err := p.store.Get(context.Background(), userID)
	if err != nil {
		return q
	}
	if u.MaxConcurrentContainers > 0 {
		q.MaxConcurrentContainers = u.MaxConcurrentContainers
	}
	if u.MaxContainerLifetime > 0 {
		q.MaxContainerLifetime = u.MaxContainerLifetime
	}
	if u.InactivityTimeout > 0 {
		q.InactivityTimeout = u.InactivityTimeout
	}
	return q
}
