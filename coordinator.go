package wcdb

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

type tableState int

const (
	stateNoNeed tableState = iota + 1
	stateMigrating
	stateMigrated
	stateDumpster
	stateDropped
)

func (s tableState) String() string {
	switch s {
	case stateNoNeed:
		return "no_need"
	case stateMigrating:
		return "migrating"
	case stateMigrated:
		return "migrated"
	case stateDumpster:
		return "dumpster"
	case stateDropped:
		return "dropped"
	}
	return "unresolved"
}

type tableEntry struct {
	state tableState
	ref   Ref
}

// Status is a snapshot of the coordinator's per-table states.
type Status struct {
	Sources     int
	NoNeed      int
	Migrating   int
	Migrated    int
	Dumpster    int
	Dropped     int
	Hinted      int
	Acquired    bool
	AllMigrated bool
}

// Coordinator owns the migration state shared by every session of a
// database. All fields are guarded by mu; no SQL runs while it is held.
type Coordinator struct {
	mu       sync.RWMutex
	log      *Logger
	sources  []*Source
	epoch    uint64
	arena    *arena
	tables   map[string]*tableEntry
	hints    map[string]struct{}
	versions map[string]uint64

	tableAcquired bool
	allMigrated   bool
}

// NewCoordinator returns a coordinator with no sources.
func NewCoordinator(log *Logger) *Coordinator {
	if log == nil {
		log = GetLogger()
	}
	c := &Coordinator{log: log.WithComponent("coordinator"), epoch: 1}
	c.resetLocked()
	return c
}

func (c *Coordinator) resetLocked() {
	c.arena = newArena(c.epoch)
	c.tables = make(map[string]*tableEntry)
	c.hints = make(map[string]struct{})
	c.versions = make(map[string]uint64)
	c.tableAcquired = false
	c.allMigrated = false
}

// AddSource registers src, replacing a source with the same path in place.
// Every derived state is purged.
func (c *Coordinator) AddSource(src *Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.IndexFunc(c.sources, func(s *Source) bool { return s.path == src.path }); i >= 0 {
		c.sources[i] = src
	} else {
		c.sources = append(c.sources, src)
	}
	c.purgeLocked()
}

// RemoveSource unregisters the source at path.
func (c *Coordinator) RemoveSource(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = slices.DeleteFunc(c.sources, func(s *Source) bool { return s.path == path })
	c.purgeLocked()
}

// Purge drops every derived state and starts a new epoch.
func (c *Coordinator) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
}

func (c *Coordinator) purgeLocked() {
	c.epoch++
	c.resetLocked()
	c.log.Debug("purged", "epoch", c.epoch, "sources", len(c.sources))
}

// Epoch returns the current epoch.
func (c *Coordinator) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// ShouldMigrate reports whether any source is configured.
func (c *Coordinator) ShouldMigrate() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sources) > 0
}

// IsMigrated reports whether every table has finished migrating.
func (c *Coordinator) IsMigrated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allMigrated
}

// ResolveOrInit returns the descriptor of table when it is migrating,
// initializing it on first use. The returned Ref is retained and must be
// released. A nil Info means the table does not migrate right now.
func (c *Coordinator) ResolveOrInit(ctx context.Context, h *Handle, table string) (*Info, Ref, error) {
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		if c.allMigrated || len(c.sources) == 0 {
			c.mu.Unlock()
			return nil, Ref{}, nil
		}
		if e, ok := c.tables[table]; ok {
			defer c.mu.Unlock()
			if e.state != stateMigrating {
				return nil, Ref{}, nil
			}
			s, ok := c.arena.get(e.ref)
			if !ok {
				return nil, Ref{}, nil
			}
			s.refs++
			return s.info, e.ref, nil
		}
		epoch := c.epoch
		sources := slices.Clone(c.sources)
		c.mu.Unlock()

		if attempt > 0 {
			// Initialization ran and left no entry: the table is hinted or
			// the epoch moved on.
			return nil, Ref{}, nil
		}
		res, err := initialize(ctx, h, sources, table, c.log)
		if err != nil {
			return nil, Ref{}, err
		}
		c.commit(epoch, table, res)
	}
}

// commit records an initialization result. A result computed in an older
// epoch, or for a table another caller already resolved, is discarded.
func (c *Coordinator) commit(epoch uint64, table string, res initResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}
	if _, ok := c.tables[table]; ok {
		return
	}
	switch {
	case res.hint:
		c.hints[table] = struct{}{}
		return
	case res.info != nil:
		c.tables[table] = &tableEntry{state: stateMigrating, ref: c.arena.alloc(res.info)}
		c.log.Info("table migrating", "table", table, "source", res.info.Source().String(), "source_table", res.info.SourceTable())
	default:
		c.tables[table] = &tableEntry{state: stateNoNeed}
	}
	delete(c.hints, table)
}

// Retain adds a reference. It fails for stale refs.
func (c *Coordinator) Retain(r Ref) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.arena.get(r)
	if !ok {
		return false
	}
	s.refs++
	return true
}

// Release drops a reference. A migrated table whose last reference goes
// away moves to the dumpster.
func (c *Coordinator) Release(r Ref) {
	if !r.Valid() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.arena.get(r)
	if !ok || s.refs == 0 {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	if e, ok := c.tables[s.info.Table()]; ok && e.ref == r && e.state == stateMigrated {
		e.state = stateDumpster
	}
}

// MarkMigrated records that no target row remains in the source.
func (c *Coordinator) MarkMigrated(r Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.arena.get(r)
	if !ok {
		return
	}
	e, ok := c.tables[s.info.Table()]
	if !ok || e.ref != r || e.state != stateMigrating {
		return
	}
	if s.refs > 0 {
		e.state = stateMigrated
	} else {
		e.state = stateDumpster
	}
	c.log.Info("table migrated", "table", s.info.Table())
}

// IsMigrating reports whether r still names a migrating table.
func (c *Coordinator) IsMigrating(r Ref) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.arena.get(r)
	if !ok {
		return false
	}
	e, ok := c.tables[s.info.Table()]
	return ok && e.ref == r && e.state == stateMigrating
}

// pickDumpster returns a table whose source is ready to be dropped.
func (c *Coordinator) pickDumpster() (*Info, Ref, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range c.sortedTablesLocked() {
		e := c.tables[name]
		if e.state != stateDumpster {
			continue
		}
		if s, ok := c.arena.get(e.ref); ok {
			return s.info, e.ref, true
		}
	}
	return nil, Ref{}, false
}

// finishDrop records that the source of r was dropped and frees its slot.
func (c *Coordinator) finishDrop(r Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.arena.get(r)
	if !ok {
		return
	}
	table := s.info.Table()
	e, ok := c.tables[table]
	if !ok || e.ref != r || e.state != stateDumpster {
		return
	}
	e.state = stateDropped
	e.ref = Ref{}
	c.arena.reclaim(r)
	c.log.Info("source table dropped", "table", table)
}

// pickMigrating returns a retained migrating table, preferring tables whose
// source is another database.
func (c *Coordinator) pickMigrating() (*Info, Ref, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best *arenaSlot
	var bestRef Ref
	for _, name := range c.sortedTablesLocked() {
		e := c.tables[name]
		if e.state != stateMigrating {
			continue
		}
		s, ok := c.arena.get(e.ref)
		if !ok {
			continue
		}
		if best == nil || (s.info.IsCrossDatabase() && !best.info.IsCrossDatabase()) {
			best, bestRef = s, e.ref
		}
	}
	if best == nil {
		return nil, Ref{}, false
	}
	best.refs++
	return best.info, bestRef, true
}

// schemaInUse reports whether any table still needs the given source schema.
func (c *Coordinator) schemaInUse(schema string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.tables {
		switch e.state {
		case stateMigrating, stateMigrated, stateDumpster:
		default:
			continue
		}
		if s, ok := c.arena.get(e.ref); ok && s.info.SourceSchema() == schema {
			return true
		}
	}
	return false
}

// needsAcquire reports whether every table still has to be enumerated in
// the current epoch.
func (c *Coordinator) needsAcquire() (bool, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.tableAcquired && len(c.sources) > 0, c.epoch
}

func (c *Coordinator) markAcquired(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch == c.epoch {
		c.tableAcquired = true
	}
}

// tryComplete sets allMigrated once enumeration ran and no table is left in
// flight.
func (c *Coordinator) tryComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allMigrated {
		return true
	}
	if !c.tableAcquired || len(c.hints) > 0 {
		return false
	}
	for _, e := range c.tables {
		switch e.state {
		case stateMigrating, stateMigrated, stateDumpster:
			return false
		}
	}
	c.allMigrated = true
	c.log.Info("all tables migrated")
	return true
}

func (c *Coordinator) hinted() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.hints))
	for name := range c.hints {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// isHinted reports whether table is waiting to be created.
func (c *Coordinator) isHinted(table string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.hints[table]
	return ok
}

// forgetHint removes table from the hint set so the next reference
// initializes it again.
func (c *Coordinator) forgetHint(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hints, table)
}

// BumpSchemaVersion records a schema change of table so every session
// rebuilds its view.
func (c *Coordinator) BumpSchemaVersion(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[table]++
}

// SchemaVersion returns the schema version of table.
func (c *Coordinator) SchemaVersion(table string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[table]
}

// Status returns per-state counts.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		Sources:     len(c.sources),
		Hinted:      len(c.hints),
		Acquired:    c.tableAcquired,
		AllMigrated: c.allMigrated,
	}
	for _, e := range c.tables {
		switch e.state {
		case stateNoNeed:
			st.NoNeed++
		case stateMigrating:
			st.Migrating++
		case stateMigrated:
			st.Migrated++
		case stateDumpster:
			st.Dumpster++
		case stateDropped:
			st.Dropped++
		}
	}
	return st
}

// Decision is the coordinator's view of one table, used by the plan command.
type Decision struct {
	Table       string
	State       string
	Source      string
	SourceTable string
	Identity    IdentityKind
}

// Decisions lists every resolved or hinted table in name order.
func (c *Coordinator) Decisions() []Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Decision
	for _, name := range c.sortedTablesLocked() {
		e := c.tables[name]
		d := Decision{Table: name, State: e.state.String()}
		if s, ok := c.arena.get(e.ref); ok {
			d.Source = s.info.Source().String()
			d.SourceTable = s.info.SourceTable()
			d.Identity = s.info.Identity()
		}
		out = append(out, d)
	}
	for name := range c.hints {
		out = append(out, Decision{Table: name, State: "hinted"})
	}
	slices.SortFunc(out[len(c.tables):], func(a, b Decision) int {
		return cmp.Compare(a.Table, b.Table)
	})
	return out
}

func (c *Coordinator) sortedTablesLocked() []string {
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
