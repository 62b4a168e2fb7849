package users

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("users: not found")
	ErrDuplicate = errors.New("users: username or email already taken")
)

// Roles. Admins may touch any container and reach the /admin surface.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is a platform account plus its admin-set quota overrides. Zero
// override fields fall back to the system defaults at decision time.
type User struct {
	ID                      uuid.UUID     `json:"id"`
	Username                string        `json:"username"`
	Email                   string        `json:"email"`
	Role                    string        `json:"role"`
	Active                  bool          `json:"is_active"`
	MaxConcurrentContainers int           `json:"max_concurrent_containers"`
	MaxContainerLifetime    time.Duration `json:"max_container_lifetime,omitempty"`
	InactivityTimeout       time.Duration `json:"inactivity_timeout,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
	UpdatedAt               time.Time     `json:"updated_at"`
	LastLogin               *time.Time    `json:"last_login,omitempty"`
}

// Update carries partial admin edits. Nil pointers leave fields alone.
type Update struct {
	Email                   *string        `json:"email,omitempty"`
	Role                    *string        `json:"role,omitempty"`
	Active                  *bool          `json:"is_active,omitempty"`
	MaxConcurrentContainers *int           `json:"max_concurrent_containers,omitempty"`
	MaxContainerLifetime    *time.Duration `json:"max_container_lifetime,omitempty"`
	InactivityTimeout       *time.Duration `json:"inactivity_timeout,omitempty"`
}

// Store is the user registry. Memory and Postgres implementations share it.
type Store interface {
	List(ctx context.Context) ([]User, error)
	Get(ctx context.Context, id uuid.UUID) (User, error)
	Create(ctx context.Context, u User) (User, error)
	Update(ctx context.Context, id uuid.UUID, upd Update) (User, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// MemoryStore keeps users in process.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[uuid.UUID]*User)}
}

func (s *MemoryStore) List(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *MemoryStore) Create(ctx context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return User{}, ErrDuplicate
		}
	}

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now
	u.Active = true

	stored := u
	s.users[u.ID] = &stored
	return u, nil
}

func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, upd Update) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}

	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if upd.Active != nil {
		u.Active = *upd.Active
	}
	if upd.MaxConcurrentContainers != nil {
		u.MaxConcurrentContainers = *upd.MaxConcurrentContainers
	}
	if upd.MaxContainerLifetime != nil {
		u.MaxContainerLifetime = *upd.MaxContainerLifetime
	}
	if upd.InactivityTimeout != nil {
		u.InactivityTimeout = *upd.InactivityTimeout
	}
	u.UpdatedAt = time.Now()
	return *u, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.users, id)
	return nil
}
