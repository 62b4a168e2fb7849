package catalog

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_AddGet(t *testing.T) {
	c := New()

	img, err := c.Add(ContainerImage{
		Name:     "Kali Linux",
		Image:    "kalilinux/kali-rolling:latest",
		Category: "pentest",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, img.ID)

	// Resource template defaults.
	assert.Equal(t, 1.0, img.CPULimit)
	assert.Equal(t, int64(2048), img.MemoryLimitMB)
	assert.Equal(t, int64(10), img.StorageLimitGB)

	got, err := c.Get(img.ID)
	require.NoError(t, err)
	assert.Equal(t, img.Name, got.Name)
}

func TestCatalog_AddValidation(t *testing.T) {
	c := New()

	_, err := c.Add(ContainerImage{Image: "x:latest"})
	assert.Error(t, err)

	_, err = c.Add(ContainerImage{Name: "x"})
	assert.Error(t, err)
}

func TestCatalog_GetMissing(t *testing.T) {
	c := New()
	_, err := c.Get(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalog_ListOrdering(t *testing.T) {
	c := New()
	for _, spec := range []struct{ name, category string }{
		{"Zed", "tools"},
		{"Kali", "pentest"},
		{"Parrot", "pentest"},
	} {
		_, err := c.Add(ContainerImage{Name: spec.name, Image: "i:latest", Category: spec.category})
		require.NoError(t, err)
	}

	list := c.List()
	require.Len(t, list, 3)
	assert.Equal(t, "Kali", list[0].Name)
	assert.Equal(t, "Parrot", list[1].Name)
	assert.Equal(t, "Zed", list[2].Name)
}

func TestCatalog_Update(t *testing.T) {
	c := New()
	img, err := c.Add(ContainerImage{Name: "Kali", Image: "kali:latest", Active: true})
	require.NoError(t, err)

	updated, err := c.Update(img.ID, ContainerImage{
		Description:   "rolling pentest distro",
		MemoryLimitMB: 4096,
		Active:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Kali", updated.Name) // untouched
	assert.Equal(t, "rolling pentest distro", updated.Description)
	assert.Equal(t, int64(4096), updated.MemoryLimitMB)

	// Deactivation goes through the same path.
	updated, err = c.Update(img.ID, ContainerImage{Active: false})
	require.NoError(t, err)
	assert.False(t, updated.Active)

	_, err = c.Update(uuid.New(), ContainerImage{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalog_RemoveInUseGuard(t *testing.T) {
	c := New()
	img, err := c.Add(ContainerImage{Name: "Kali", Image: "kali:latest"})
	require.NoError(t, err)

	inUse := true
	c.SetInUseChecker(func(id uuid.UUID) bool { return id == img.ID && inUse })

	assert.ErrorIs(t, c.Remove(img.ID), ErrImageInUse)

	inUse = false
	require.NoError(t, c.Remove(img.ID))
	assert.ErrorIs(t, c.Remove(img.ID), ErrNotFound)
}

func TestCatalog_Seed(t *testing.T) {
	c := New()
	c.Seed()

	list := c.List()
	require.NotEmpty(t, list)
	for _, img := range list {
		assert.NotEmpty(t, img.Name)
		assert.NotEmpty(t, img.Image)
		assert.NotEmpty(t, img.ConnectionKind)
		assert.True(t, img.Active)
	}
}
