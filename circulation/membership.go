package circulation

import (
	"fmt"
	"sort"
	"sync"
)

// Membership is the authoritative in-memory view of users and their
// defaulter status, mirrored write-through to the ledger store.
//
// Defaulter status is observed lazily: the stored flag is never cleared
// when a penalty lapses, it simply stops mattering once now reaches
// PenaltyEnd.
type Membership struct {
	mu     *sync.Mutex
	store  LedgerStore
	issues *issueIndex
	users  map[int64]*User
}

func newMembership(mu *sync.Mutex, store LedgerStore, issues *issueIndex, users []User) *Membership {
	m := &Membership{
		mu:     mu,
		store:  store,
		issues: issues,
		users:  make(map[int64]*User, len(users)),
	}
	for i := range users {
		u := users[i]
		m.users[u.ID] = &u
	}
	return m
}

// AddUser registers a user under a caller-supplied id.
func (m *Membership) AddUser(userID int64, name string) error {
	if userID <= 0 {
		return fmt.Errorf("user id must be positive: %w", ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; ok {
		return fmt.Errorf("user %d already exists: %w", userID, ErrConflict)
	}
	u := User{ID: userID, Name: name}
	if err := m.store.UpsertUser(u); err != nil {
		return err
	}
	m.users[userID] = &u
	return nil
}

// RemoveUser deletes a user. It refuses while the user holds an active
// issue.
func (m *Membership) RemoveUser(userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if m.issues.forUser(userID) != nil {
		return fmt.Errorf("user %d holds an active issue: %w", userID, ErrConflict)
	}
	if err := m.store.DeleteUser(userID); err != nil {
		return err
	}
	delete(m.users, userID)
	return nil
}

// Get returns a copy of the user, or false if absent.
func (m *Membership) Get(userID int64) (User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// List returns all users ordered by id.
func (m *Membership) List() []User {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsDefaulter reports whether the user is under an active penalty at
// now. Unknown users are not defaulters.
func (m *Membership) IsDefaulter(userID, now int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	return ok && isDefaulter(u, now)
}

func isDefaulter(u *User, now int64) bool {
	return u.IsDefaulter && now < u.PenaltyEnd
}

// find returns the live record. Lock held by the caller.
func (m *Membership) find(userID int64) *User {
	return m.users[userID]
}

// setDefaulter installs the durably persisted penalty. Called only by
// the engine after a late return has committed; lock held by the caller.
func (m *Membership) setDefaulter(userID, penaltyEnd int64) {
	if u, ok := m.users[userID]; ok {
		u.IsDefaulter = true
		u.PenaltyEnd = penaltyEnd
	}
}

// snapshot returns all users for a full flush. Lock held by the caller.
func (m *Membership) snapshot() []User {
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	return out
}
