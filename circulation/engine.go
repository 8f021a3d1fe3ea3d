package circulation

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Engine coordinates checkout and return. It is the only component that
// mutates availability, penalty fields and the active-issue set, and it
// serializes every read-modify-write sequence behind one mutex so the
// "at most one active issue per user" and "available never negative"
// invariants hold.
//
// Each transition persists all of its writes as one transaction and
// touches in-memory state only after the commit, so a storage failure
// leaves the system exactly as it was.
type Engine struct {
	mu      *sync.Mutex
	store   LedgerStore
	catalog *Catalog
	members *Membership
	issues  *issueIndex

	loanPeriod    int64 // seconds
	penaltyWindow int64 // seconds
	log           *slog.Logger
}

// ReturnOutcome describes a completed return.
type ReturnOutcome struct {
	Record IssuedRecord
	Book   Book
	Status LoanStatus
	// PenaltyEnd is set when the return was late and the user is now a
	// defaulter.
	PenaltyEnd int64
}

// UserStatus is the informational status read for one user. Active is a
// status label, not an access gate: it means no active issue AND no
// running penalty. Issuing is gated in RequestIssue alone.
type UserStatus struct {
	User        User
	Active      bool
	ActiveIssue *IssuedRecord
	// PenaltyEnd is nonzero only while the penalty is still running.
	PenaltyEnd int64
}

// DefaulterEntry pairs a penalized user with their active issue, if any.
type DefaulterEntry struct {
	User        User
	ActiveIssue *IssuedRecord
}

// RequestIssue lends an available copy of the book to the user. now is
// epoch seconds. On success the returned record carries the
// store-assigned issue id and a due date of now + the loan period.
//
// Unknown users fail with ErrNotFound; the caller may register the user
// and retry. Penalized users fail with a DefaulterError (ErrForbidden),
// a second concurrent loan with ErrConflict, and an empty shelf with
// ErrExhausted.
func (e *Engine) RequestIssue(userID, bookID, now int64) (*IssuedRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u := e.members.find(userID)
	if u == nil {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if isDefaulter(u, now) {
		return nil, &DefaulterError{UserID: userID, PenaltyEnd: u.PenaltyEnd}
	}
	if e.issues.forUser(userID) != nil {
		return nil, fmt.Errorf("user %d already holds an active issue: %w", userID, ErrConflict)
	}

	b := e.catalog.find(bookID)
	if b == nil {
		return nil, fmt.Errorf("book %d: %w", bookID, ErrNotFound)
	}
	if b.AvailableCopies == 0 {
		return nil, fmt.Errorf("book %d: %w", bookID, ErrExhausted)
	}

	next, err := e.catalog.adjustAvailability(bookID, -1)
	if err != nil {
		return nil, err
	}
	rec := IssuedRecord{
		BookID:   bookID,
		UserID:   userID,
		IssuedAt: now,
		DueAt:    now + e.loanPeriod,
	}

	err = e.store.Transact(func(w LedgerWriter) error {
		id, err := w.InsertActiveIssue(rec)
		if err != nil {
			return err
		}
		rec.ID = id
		if err := w.UpsertBook(next); err != nil {
			return err
		}
		return w.AppendHistory(HistoryEntry{
			IssueID:  rec.ID,
			BookID:   bookID,
			UserID:   userID,
			Title:    next.Title,
			Author:   next.Author,
			IssuedAt: now,
			Status:   StatusIssued,
		})
	})
	if err != nil {
		return nil, err
	}

	e.catalog.put(next)
	e.issues.add(rec)
	e.log.Info("book issued",
		"issue_id", rec.ID, "book_id", bookID, "user_id", userID, "due", FormatEpoch(rec.DueAt))
	return &rec, nil
}

// RequestReturn closes the user's active issue. rating 0 means no
// rating; otherwise it must be 1..5 and is folded into the book's
// running average. A return past the due date marks the user a
// defaulter until now + the penalty window and closes the history entry
// with StatusDefaulter.
func (e *Engine) RequestReturn(userID, now int64, rating int) (*ReturnOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u := e.members.find(userID)
	if u == nil {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	rec := e.issues.forUser(userID)
	if rec == nil {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNoActiveIssue)
	}
	if rating != 0 && (rating < 1 || rating > 5) {
		return nil, fmt.Errorf("rating %d out of range 1..5: %w", rating, ErrInvalidArgument)
	}

	next, err := e.catalog.adjustAvailability(rec.BookID, +1)
	if err != nil {
		return nil, err
	}
	if rating != 0 {
		e.catalog.recordRating(&next, rating)
	}

	status := StatusReturned
	late := now > rec.DueAt
	var penalized User
	if late {
		status = StatusDefaulter
		penalized = *u
		penalized.IsDefaulter = true
		penalized.PenaltyEnd = now + e.penaltyWindow
	}

	err = e.store.Transact(func(w LedgerWriter) error {
		if err := w.UpsertBook(next); err != nil {
			return err
		}
		if err := w.DeleteActiveIssue(rec.ID); err != nil {
			return err
		}
		if late {
			if err := w.UpsertUser(penalized); err != nil {
				return err
			}
		}
		return w.CloseHistory(rec.ID, now, status)
	})
	if err != nil {
		return nil, err
	}

	out := &ReturnOutcome{Record: *rec, Book: next, Status: status}
	e.catalog.put(next)
	e.issues.remove(userID)
	if late {
		e.members.setDefaulter(userID, penalized.PenaltyEnd)
		out.PenaltyEnd = penalized.PenaltyEnd
		e.log.Warn("late return, user penalized",
			"issue_id", rec.ID, "user_id", userID, "penalty_end", FormatEpoch(out.PenaltyEnd))
	} else {
		e.log.Info("book returned", "issue_id", rec.ID, "book_id", rec.BookID, "user_id", userID)
	}
	return out, nil
}

// StatusOf is a pure read combining the lazy defaulter check with the
// active-issue lookup.
func (e *Engine) StatusOf(userID, now int64) (*UserStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u := e.members.find(userID)
	if u == nil {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	st := &UserStatus{User: *u}
	if rec := e.issues.forUser(userID); rec != nil {
		r := *rec
		st.ActiveIssue = &r
	}
	if isDefaulter(u, now) {
		st.PenaltyEnd = u.PenaltyEnd
	}
	st.Active = st.ActiveIssue == nil && st.PenaltyEnd == 0
	return st, nil
}

// ListDefaulters returns every user whose penalty is still running at
// now, joined with their active issue if they hold one.
func (e *Engine) ListDefaulters(now int64) []DefaulterEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []DefaulterEntry
	for _, u := range e.members.snapshot() {
		if !u.IsDefaulter || now >= u.PenaltyEnd {
			continue
		}
		entry := DefaulterEntry{User: u}
		if rec := e.issues.forUser(u.ID); rec != nil {
			r := *rec
			entry.ActiveIssue = &r
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out
}

// RecentHistory returns up to n history entries, most recent first.
func (e *Engine) RecentHistory(n int) ([]HistoryEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	return e.store.RecentHistory(n)
}
