package modkernel

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// moduleEntry pairs a catalog record with the module's live instance.
// The entry mutex serializes every mutation of the record, so concurrent
// invoke, health-probe, and recovery updates on the same module never race;
// entries for different modules proceed independently.
type moduleEntry struct {
	mu       sync.Mutex
	record   *ModuleRecord
	instance ModuleInstance
}

// Catalog holds the authoritative record for every installed module.
// It is the single source of truth: components read clones and mutate
// records only through Update.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*moduleEntry
	logger  Logger
}

// NewCatalog creates an empty module catalog.
func NewCatalog(logger Logger) *Catalog {
	if logger == nil {
		logger = NopLogger{}
	}
	return &Catalog{
		entries: make(map[string]*moduleEntry),
		logger:  logger,
	}
}

// validateRecord checks the required fields of a record before it is
// admitted to the catalog.
func validateRecord(record *ModuleRecord) error {
	if record.ID == "" {
		return ErrModuleIDEmpty
	}
	if record.Name == "" {
		return fmt.Errorf("module %q: %w", record.ID, ErrModuleNameEmpty)
	}
	if record.Version == "" {
		return fmt.Errorf("module %q: %w", record.ID, ErrModuleVersionEmpty)
	}
	if record.Entry == "" {
		return fmt.Errorf("module %q: %w", record.ID, ErrModuleEntryEmpty)
	}
	if record.MaxFailures <= 0 {
		return fmt.Errorf("module %q: %w", record.ID, ErrMaxFailuresInvalid)
	}
	if record.MaxRecoveryAttempts <= 0 {
		return fmt.Errorf("module %q: %w", record.ID, ErrMaxRecoveryInvalid)
	}
	if record.HealthPolicy.Enabled {
		if record.HealthPolicy.Interval <= 0 {
			return fmt.Errorf("module %q: %w", record.ID, ErrHealthIntervalInvalid)
		}
		if record.HealthPolicy.Timeout <= 0 {
			return fmt.Errorf("module %q: %w", record.ID, ErrHealthTimeoutInvalid)
		}
	}
	if record.VersionPolicy.AllowFallback && record.VersionPolicy.FallbackVersion == "" {
		return fmt.Errorf("module %q: %w", record.ID, ErrFallbackVersionRequired)
	}
	return nil
}

// Register admits a record to the catalog. Registration fails with
// ErrInstallationConflict when a record with the same id exists, unless
// force is set, in which case the existing record is replaced. Unless
// skipDependencyCheck is set, each declared dependency must resolve to an
// existing, enabled module.
func (c *Catalog) Register(record *ModuleRecord, force, skipDependencyCheck bool) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[record.ID]; exists && !force {
		return fmt.Errorf("module %q: %w", record.ID, ErrInstallationConflict)
	}

	if !skipDependencyCheck {
		for _, dep := range record.Dependencies {
			entry, ok := c.entries[dep]
			if !ok {
				return fmt.Errorf("module %q requires %q: %w", record.ID, dep, ErrDependencyUnsatisfied)
			}
			entry.mu.Lock()
			enabled := entry.record.Enabled
			entry.mu.Unlock()
			if !enabled {
				return fmt.Errorf("module %q requires %q: %w", record.ID, dep, ErrDependencyUnsatisfied)
			}
		}
	}

	c.entries[record.ID] = &moduleEntry{record: record.Clone()}
	c.logger.Debug("Module registered", "module", record.ID, "version", record.Version)
	return nil
}

// Remove deletes a record from the catalog.
func (c *Catalog) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; !exists {
		return fmt.Errorf("module %q: %w", id, ErrModuleNotFound)
	}
	delete(c.entries, id)
	return nil
}

// entry returns the live entry for a module id.
func (c *Catalog) entry(id string) (*moduleEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// Get returns a clone of the record for the given id.
func (c *Catalog) Get(id string) (*ModuleRecord, error) {
	e, ok := c.entry(id)
	if !ok {
		return nil, fmt.Errorf("module %q: %w", id, ErrModuleNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Clone(), nil
}

// Update applies fn to the record under the entry lock and bumps
// UpdatedAt. The returned record is a clone of the post-update state.
// The entry lock makes each update atomic with respect to every other
// mutation on the same record, including the failure-threshold check.
func (c *Catalog) Update(id string, fn func(record *ModuleRecord) error) (*ModuleRecord, error) {
	e, ok := c.entry(id)
	if !ok {
		return nil, fmt.Errorf("module %q: %w", id, ErrModuleNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := fn(e.record); err != nil {
		return nil, err
	}
	e.record.UpdatedAt = time.Now()
	return e.record.Clone(), nil
}

// Instance returns the module's live instance, or nil when none is loaded.
func (c *Catalog) Instance(id string) ModuleInstance {
	e, ok := c.entry(id)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instance
}

// SetInstance binds (or clears, with nil) the module's live instance.
func (c *Catalog) SetInstance(id string, instance ModuleInstance) {
	e, ok := c.entry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.instance = instance
	e.mu.Unlock()
}

// List returns clones of all records, ordered by module id.
func (c *Catalog) List() []*ModuleRecord {
	return c.list(func(r *ModuleRecord) bool { return true })
}

// ListEnabled returns clones of all enabled records, ordered by module id.
func (c *Catalog) ListEnabled() []*ModuleRecord {
	return c.list(func(r *ModuleRecord) bool { return r.Enabled })
}

// ListByCapability returns clones of all records declaring the given
// capability, ordered by module id.
func (c *Catalog) ListByCapability(capability string) []*ModuleRecord {
	return c.list(func(r *ModuleRecord) bool { return r.HasCapability(capability) })
}

func (c *Catalog) list(keep func(*ModuleRecord) bool) []*ModuleRecord {
	c.mu.RLock()
	entries := make([]*moduleEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	records := make([]*ModuleRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.record) {
			records = append(records, e.record.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// SnapshotRecords returns a consistent copy of every record for snapshot
// export. Each record is copied under its entry lock, so no exported
// record reflects a half-applied transition.
func (c *Catalog) SnapshotRecords() []ModuleRecord {
	records := c.List()
	out := make([]ModuleRecord, 0, len(records))
	for _, r := range records {
		out = append(out, *r)
	}
	return out
}

// Len returns the number of installed modules.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
