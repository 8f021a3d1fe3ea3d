package circulation

import (
	"sync"
)

// Library wires the catalog, membership and circulation engine over one
// ledger store, keeping the CLI and other callers simple. All three
// components share a single mutual-exclusion boundary, so every
// operation sees and leaves consistent state.
type Library struct {
	mu    sync.Mutex
	store LedgerStore

	Catalog *Catalog
	Members *Membership
	Engine  *Engine
}

// Open opens (or creates) the SQLite ledger at dbPath and loads the
// stored snapshot into memory.
func Open(dbPath string, opts ...Option) (*Library, error) {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	store, err := OpenLedger(dbPath, s.logger)
	if err != nil {
		return nil, err
	}
	lib, err := NewLibrary(store, opts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	return lib, nil
}

// NewLibrary builds a Library on an already opened store, loading the
// full snapshot: books, users and the active-issue set.
func NewLibrary(store LedgerStore, opts ...Option) (*Library, error) {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}

	books, err := store.LoadBooks()
	if err != nil {
		return nil, err
	}
	users, err := store.LoadUsers()
	if err != nil {
		return nil, err
	}
	active, err := store.LoadActiveIssues()
	if err != nil {
		return nil, err
	}

	lib := &Library{store: store}
	issues := newIssueIndex(active)
	lib.Catalog = newCatalog(&lib.mu, store, issues, books)
	lib.Members = newMembership(&lib.mu, store, issues, users)
	lib.Engine = &Engine{
		mu:            &lib.mu,
		store:         store,
		catalog:       lib.Catalog,
		members:       lib.Members,
		issues:        issues,
		loanPeriod:    s.loanPeriod,
		penaltyWindow: s.penaltyWindow,
		log:           s.logger,
	}
	s.logger.Debug("library loaded",
		"books", len(books), "users", len(users), "active_issues", len(active))
	return lib, nil
}

// SaveAll flushes the full in-memory state to the store as one unit.
// Every mutation is already written through at transition time, so this
// is a reconciliation pass, not the primary persistence path.
func (l *Library) SaveAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.SaveAll(l.Catalog.snapshot(), l.Members.snapshot(), l.Engine.issues.snapshot())
}

// Close flushes a final snapshot and closes the store.
func (l *Library) Close() error {
	if err := l.SaveAll(); err != nil {
		l.store.Close()
		return err
	}
	return l.store.Close()
}
