package modkernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord(id string) *ModuleRecord {
	return &ModuleRecord{
		ID:                  id,
		Name:                "Module " + id,
		Version:             "1.0.0",
		Entry:               "plugins/" + id,
		Enabled:             true,
		Status:              ModuleStatusActive,
		MaxFailures:         3,
		MaxRecoveryAttempts: 3,
		InstalledAt:         time.Now(),
		UpdatedAt:           time.Now(),
	}
}

func TestCatalogRegisterAndGet(t *testing.T) {
	catalog := NewCatalog(NopLogger{})

	require.NoError(t, catalog.Register(validRecord("alpha"), false, false))

	got, err := catalog.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.ID)
	assert.Equal(t, "1.0.0", got.Version)
	assert.True(t, got.Enabled)
	assert.Equal(t, 1, catalog.Len())
}

func TestCatalogRegisterValidation(t *testing.T) {
	catalog := NewCatalog(NopLogger{})

	tests := []struct {
		name    string
		mutate  func(r *ModuleRecord)
		wantErr error
	}{
		{"missing id", func(r *ModuleRecord) { r.ID = "" }, ErrModuleIDEmpty},
		{"missing name", func(r *ModuleRecord) { r.Name = "" }, ErrModuleNameEmpty},
		{"missing version", func(r *ModuleRecord) { r.Version = "" }, ErrModuleVersionEmpty},
		{"missing entry", func(r *ModuleRecord) { r.Entry = "" }, ErrModuleEntryEmpty},
		{"zero max failures", func(r *ModuleRecord) { r.MaxFailures = 0 }, ErrMaxFailuresInvalid},
		{"zero max recovery", func(r *ModuleRecord) { r.MaxRecoveryAttempts = 0 }, ErrMaxRecoveryInvalid},
		{"health without interval", func(r *ModuleRecord) {
			r.HealthPolicy = HealthPolicy{Enabled: true, Timeout: time.Second}
		}, ErrHealthIntervalInvalid},
		{"health without timeout", func(r *ModuleRecord) {
			r.HealthPolicy = HealthPolicy{Enabled: true, Interval: time.Second}
		}, ErrHealthTimeoutInvalid},
		{"fallback without version", func(r *ModuleRecord) {
			r.VersionPolicy = VersionPolicy{AllowFallback: true}
		}, ErrFallbackVersionRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := validRecord("bad")
			tt.mutate(record)
			err := catalog.Register(record, false, false)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCatalogRegisterConflict(t *testing.T) {
	catalog := NewCatalog(NopLogger{})
	require.NoError(t, catalog.Register(validRecord("alpha"), false, false))

	err := catalog.Register(validRecord("alpha"), false, false)
	assert.ErrorIs(t, err, ErrInstallationConflict)

	// Force install replaces the existing record.
	replacement := validRecord("alpha")
	replacement.Version = "2.0.0"
	require.NoError(t, catalog.Register(replacement, true, false))

	got, err := catalog.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.Version)
	assert.Equal(t, 1, catalog.Len())
}

func TestCatalogDependencyCheck(t *testing.T) {
	catalog := NewCatalog(NopLogger{})

	dependent := validRecord("beta")
	dependent.Dependencies = []string{"alpha"}

	// Missing dependency.
	assert.ErrorIs(t, catalog.Register(dependent, false, false), ErrDependencyUnsatisfied)

	// Disabled dependency.
	dep := validRecord("alpha")
	dep.Enabled = false
	dep.Status = ModuleStatusDisabled
	require.NoError(t, catalog.Register(dep, false, false))
	assert.ErrorIs(t, catalog.Register(dependent, false, false), ErrDependencyUnsatisfied)

	// Skip flag bypasses the check entirely.
	require.NoError(t, catalog.Register(dependent, false, true))
	require.NoError(t, catalog.Remove("beta"))

	// Enabled dependency satisfies the check.
	_, err := catalog.Update("alpha", func(r *ModuleRecord) error {
		r.Enabled = true
		r.Status = ModuleStatusActive
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, catalog.Register(dependent, false, false))
}

func TestCatalogGetReturnsClone(t *testing.T) {
	catalog := NewCatalog(NopLogger{})
	require.NoError(t, catalog.Register(validRecord("alpha"), false, false))

	first, err := catalog.Get("alpha")
	require.NoError(t, err)
	first.FailureCount = 99
	first.Capabilities = append(first.Capabilities, "mutated")

	second, err := catalog.Get("alpha")
	require.NoError(t, err)
	assert.Zero(t, second.FailureCount)
	assert.Empty(t, second.Capabilities)
}

func TestCatalogUpdate(t *testing.T) {
	catalog := NewCatalog(NopLogger{})
	record := validRecord("alpha")
	require.NoError(t, catalog.Register(record, false, false))

	before, err := catalog.Get("alpha")
	require.NoError(t, err)

	updated, err := catalog.Update("alpha", func(r *ModuleRecord) error {
		r.FailureCount = 2
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.FailureCount)
	assert.False(t, updated.UpdatedAt.Before(before.UpdatedAt))

	_, err = catalog.Update("missing", func(r *ModuleRecord) error { return nil })
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestCatalogInstanceBinding(t *testing.T) {
	catalog := NewCatalog(NopLogger{})
	require.NoError(t, catalog.Register(validRecord("alpha"), false, false))

	assert.Nil(t, catalog.Instance("alpha"))

	instance := &mockInstance{}
	catalog.SetInstance("alpha", instance)
	assert.Same(t, instance, catalog.Instance("alpha").(*mockInstance))

	catalog.SetInstance("alpha", nil)
	assert.Nil(t, catalog.Instance("alpha"))
}

func TestCatalogListOrderingAndFilters(t *testing.T) {
	catalog := NewCatalog(NopLogger{})

	a := validRecord("alpha")
	a.Capabilities = []string{"search"}
	b := validRecord("beta")
	b.Enabled = false
	b.Status = ModuleStatusDisabled
	c := validRecord("gamma")
	c.Capabilities = []string{"search", "index"}

	require.NoError(t, catalog.Register(c, false, false))
	require.NoError(t, catalog.Register(a, false, false))
	require.NoError(t, catalog.Register(b, false, false))

	all := catalog.List()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, []string{all[0].ID, all[1].ID, all[2].ID})

	enabled := catalog.ListEnabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, "alpha", enabled[0].ID)
	assert.Equal(t, "gamma", enabled[1].ID)

	search := catalog.ListByCapability("search")
	require.Len(t, search, 2)
	index := catalog.ListByCapability("index")
	require.Len(t, index, 1)
	assert.Equal(t, "gamma", index[0].ID)
}

func TestCatalogRemove(t *testing.T) {
	catalog := NewCatalog(NopLogger{})
	require.NoError(t, catalog.Register(validRecord("alpha"), false, false))

	require.NoError(t, catalog.Remove("alpha"))
	_, err := catalog.Get("alpha")
	assert.ErrorIs(t, err, ErrModuleNotFound)
	assert.ErrorIs(t, catalog.Remove("alpha"), ErrModuleNotFound)
}
