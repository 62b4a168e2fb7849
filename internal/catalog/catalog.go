package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an image id is not in the catalog.
	ErrNotFound = errors.New("catalog: image not found")
	// ErrImageInUse is returned when removing an image that still backs a
	// non-terminal lab container.
	ErrImageInUse = errors.New("catalog: image in use")
)

// ConnectionKind describes how a user reaches a launched container.
type ConnectionKind string

const (
	ConnectionGraphicalDesktop ConnectionKind = "graphical-desktop"
	ConnectionBrowserRemote    ConnectionKind = "browser-remote"
	ConnectionTerminalOnly     ConnectionKind = "terminal-only"
)

// ContainerImage is a launchable catalog entry with its resource template.
// Immutable once referenced by a running container; only admins mutate it.
type ContainerImage struct {
	ID             uuid.UUID      `json:"id"`
	Name           string         `json:"name"`
	Image          string         `json:"image"` // registry reference, e.g. kalilinux/kali-rolling:latest
	Description    string         `json:"description,omitempty"`
	Category       string         `json:"category"`
	CPULimit       float64        `json:"cpu_limit"`
	MemoryLimitMB  int64          `json:"memory_limit_mb"`
	StorageLimitGB int64          `json:"storage_limit_gb"`
	ConnectionKind ConnectionKind `json:"connection_kind"`
	Active         bool           `json:"is_active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// InUseFunc reports whether any non-terminal container references the image.
// Supplied by the lifecycle manager so the catalog stays free of a dependency
// on it.
type InUseFunc func(imageID uuid.UUID) bool

// Catalog is the read-mostly image registry.
type Catalog struct {
	mu     sync.RWMutex
	images map[uuid.UUID]*ContainerImage
	inUse  InUseFunc
}

func New() *Catalog {
	return &Catalog{
		images: make(map[uuid.UUID]*ContainerImage),
	}
}

// SetInUseChecker wires the lifecycle manager's reference check. Must be
// called before Remove is used.
func (c *Catalog) SetInUseChecker(fn InUseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inUse = fn
}

// List returns all images ordered by category then name. The order is stable
// so the UI renders a consistent catalog.
func (c *Catalog) List() []ContainerImage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ContainerImage, 0, len(c.images))
	for _, img := range c.images {
		out = append(out, *img)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Get returns the image with the given id.
func (c *Catalog) Get(id uuid.UUID) (ContainerImage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	img, ok := c.images[id]
	if !ok {
		return ContainerImage{}, ErrNotFound
	}
	return *img, nil
}

// Add registers a new image. Admin-only at the API layer.
func (c *Catalog) Add(img ContainerImage) (ContainerImage, error) {
	if img.Name == "" || img.Image == "" {
		return ContainerImage{}, fmt.Errorf("catalog: name and image reference are required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	now := time.Now()
	img.CreatedAt = now
	img.UpdatedAt = now
	if img.CPULimit <= 0 {
		img.CPULimit = 1.0
	}
	if img.MemoryLimitMB <= 0 {
		img.MemoryLimitMB = 2048
	}
	if img.StorageLimitGB <= 0 {
		img.StorageLimitGB = 10
	}

	stored := img
	c.images[img.ID] = &stored
	return img, nil
}

// Update replaces the mutable fields of an existing image.
func (c *Catalog) Update(id uuid.UUID, update ContainerImage) (ContainerImage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	img, ok := c.images[id]
	if !ok {
		return ContainerImage{}, ErrNotFound
	}

	if update.Name != "" {
		img.Name = update.Name
	}
	if update.Image != "" {
		img.Image = update.Image
	}
	if update.Description != "" {
		img.Description = update.Description
	}
	if update.Category != "" {
		img.Category = update.Category
	}
	if update.CPULimit > 0 {
		img.CPULimit = update.CPULimit
	}
	if update.MemoryLimitMB > 0 {
		img.MemoryLimitMB = update.MemoryLimitMB
	}
	if update.StorageLimitGB > 0 {
		img.StorageLimitGB = update.StorageLimitGB
	}
	if update.ConnectionKind != "" {
		img.ConnectionKind = update.ConnectionKind
	}
	img.Active = update.Active
	img.UpdatedAt = time.Now()

	return *img, nil
}

// Remove deletes an image. Rejected with ErrImageInUse while any non-terminal
// container still references it.
func (c *Catalog) Remove(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.images[id]; !ok {
		return ErrNotFound
	}
	if c.inUse != nil && c.inUse(id) {
		return ErrImageInUse
	}
	delete(c.images, id)
	return nil
}
