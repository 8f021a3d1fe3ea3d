package circulation

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	t0  = int64(1_700_000_000)
	day = int64(86_400)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLibrary(t *testing.T, opts ...Option) *Library {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	lib, err := Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })
	return lib
}

// seedBookAndUser adds one book and one user and returns the book id.
func seedBookAndUser(t *testing.T, lib *Library, copies int, userID int64) int64 {
	t.Helper()
	bookID, err := lib.Catalog.AddBook("The Art of War", "Sun Tzu", copies)
	require.NoError(t, err)
	require.NoError(t, lib.Members.AddUser(userID, "Alice"))
	return bookID
}

func TestRequestIssueHappyPath(t *testing.T) {
	lib := newTestLibrary(t)
	bookID := seedBookAndUser(t, lib, 3, 1)

	rec, err := lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.Equal(t, bookID, rec.BookID)
	assert.Equal(t, int64(1), rec.UserID)
	assert.Equal(t, t0, rec.IssuedAt)
	assert.Equal(t, t0+15*day, rec.DueAt)

	b, ok := lib.Catalog.Get(bookID)
	require.True(t, ok)
	assert.Equal(t, 2, b.AvailableCopies)

	entries, err := lib.Engine.RecentHistory(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, rec.ID, entries[0].IssueID)
	assert.Equal(t, StatusIssued, entries[0].Status)
	assert.Zero(t, entries[0].ReturnedAt)
	assert.Equal(t, "The Art of War", entries[0].Title)
}

func TestRequestIssueUnknownUser(t *testing.T) {
	lib := newTestLibrary(t)
	bookID, err := lib.Catalog.AddBook("Dune", "Frank Herbert", 1)
	require.NoError(t, err)

	_, err = lib.Engine.RequestIssue(42, bookID, t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestIssueUnknownBook(t *testing.T) {
	lib := newTestLibrary(t)
	require.NoError(t, lib.Members.AddUser(1, "Alice"))

	_, err := lib.Engine.RequestIssue(1, 999, t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestIssueSecondLoanConflicts(t *testing.T) {
	lib := newTestLibrary(t)
	bookID := seedBookAndUser(t, lib, 2, 1)
	other, err := lib.Catalog.AddBook("Dune", "Frank Herbert", 1)
	require.NoError(t, err)

	_, err = lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)

	_, err = lib.Engine.RequestIssue(1, other, t0+1)
	assert.ErrorIs(t, err, ErrConflict)

	// A second copy of the same book is no different.
	_, err = lib.Engine.RequestIssue(1, bookID, t0+1)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRequestIssueExhausted(t *testing.T) {
	lib := newTestLibrary(t)
	bookID, err := lib.Catalog.AddBook("Dune", "Frank Herbert", 2)
	require.NoError(t, err)
	for id, name := range map[int64]string{1: "Alice", 2: "Bob", 3: "Carol"} {
		require.NoError(t, lib.Members.AddUser(id, name))
	}

	_, err = lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)
	b, _ := lib.Catalog.Get(bookID)
	assert.Equal(t, 1, b.AvailableCopies)

	_, err = lib.Engine.RequestIssue(2, bookID, t0+1)
	require.NoError(t, err)
	b, _ = lib.Catalog.Get(bookID)
	assert.Equal(t, 0, b.AvailableCopies)

	_, err = lib.Engine.RequestIssue(3, bookID, t0+2)
	assert.ErrorIs(t, err, ErrExhausted)
	b, _ = lib.Catalog.Get(bookID)
	assert.Equal(t, 0, b.AvailableCopies)
}

func TestRequestReturnOnTime(t *testing.T) {
	lib := newTestLibrary(t)
	bookID := seedBookAndUser(t, lib, 1, 1)

	rec, err := lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)

	out, err := lib.Engine.RequestReturn(1, t0+5*day, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusReturned, out.Status)
	assert.Zero(t, out.PenaltyEnd)
	assert.Equal(t, rec.ID, out.Record.ID)

	b, _ := lib.Catalog.Get(bookID)
	assert.Equal(t, 1, b.AvailableCopies)

	entries, err := lib.Engine.RecentHistory(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusReturned, entries[0].Status)
	assert.Equal(t, t0+5*day, entries[0].ReturnedAt)

	// The user is no longer a defaulter candidate and holds nothing.
	st, err := lib.Engine.StatusOf(1, t0+5*day)
	require.NoError(t, err)
	assert.True(t, st.Active)
}

func TestRequestReturnTwice(t *testing.T) {
	lib := newTestLibrary(t)
	bookID := seedBookAndUser(t, lib, 1, 1)

	_, err := lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)
	_, err = lib.Engine.RequestReturn(1, t0+day, 0)
	require.NoError(t, err)

	_, err = lib.Engine.RequestReturn(1, t0+day, 0)
	assert.ErrorIs(t, err, ErrNoActiveIssue)

	// No double increment.
	b, _ := lib.Catalog.Get(bookID)
	assert.Equal(t, 1, b.AvailableCopies)
}

func TestLateReturnMarksDefaulter(t *testing.T) {
	lib := newTestLibrary(t)
	bookID := seedBookAndUser(t, lib, 1, 1)

	_, err := lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)

	// Due at t0+15d, returned at t0+16d.
	returnedAt := t0 + 16*day
	out, err := lib.Engine.RequestReturn(1, returnedAt, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusDefaulter, out.Status)
	assert.Equal(t, returnedAt+7*day, out.PenaltyEnd)

	entries, err := lib.Engine.RecentHistory(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusDefaulter, entries[0].Status)

	// Checkout is blocked while the penalty runs.
	_, err = lib.Engine.RequestIssue(1, bookID, returnedAt+day)
	assert.ErrorIs(t, err, ErrForbidden)
	var derr *DefaulterError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, out.PenaltyEnd, derr.PenaltyEnd)

	// The penalty expires lazily: no clearing write, just time passing.
	_, err = lib.Engine.RequestIssue(1, bookID, out.PenaltyEnd)
	assert.NoError(t, err)
	u, _ := lib.Members.Get(1)
	assert.True(t, u.IsDefaulter, "stored flag is never proactively cleared")
}

func TestReturnExactlyOnDueDateIsOnTime(t *testing.T) {
	lib := newTestLibrary(t)
	bookID := seedBookAndUser(t, lib, 1, 1)

	rec, err := lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)

	out, err := lib.Engine.RequestReturn(1, rec.DueAt, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusReturned, out.Status)
}

func TestRequestReturnRatingValidation(t *testing.T) {
	lib := newTestLibrary(t)
	bookID := seedBookAndUser(t, lib, 1, 1)

	_, err := lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)

	for _, rating := range []int{-1, 6, 100} {
		_, err = lib.Engine.RequestReturn(1, t0+day, rating)
		assert.ErrorIs(t, err, ErrInvalidArgument, "rating %d", rating)
	}

	// The rejected returns were no-ops: the issue is still active.
	st, err := lib.Engine.StatusOf(1, t0+day)
	require.NoError(t, err)
	require.NotNil(t, st.ActiveIssue)
	b, _ := lib.Catalog.Get(bookID)
	assert.Equal(t, 0, b.AvailableCopies)
}

func TestRatingLifecycle(t *testing.T) {
	lib := newTestLibrary(t)
	bookID := seedBookAndUser(t, lib, 1, 1)

	b, _ := lib.Catalog.Get(bookID)
	assert.Zero(t, b.TotalRatings)
	assert.Equal(t, 0.0, b.AvgRating)

	_, err := lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)
	_, err = lib.Engine.RequestReturn(1, t0+day, 4)
	require.NoError(t, err)

	b, _ = lib.Catalog.Get(bookID)
	assert.Equal(t, 1, b.TotalRatings)
	assert.InDelta(t, 4.0, b.AvgRating, 1e-9)

	_, err = lib.Engine.RequestIssue(1, bookID, t0+2*day)
	require.NoError(t, err)
	_, err = lib.Engine.RequestReturn(1, t0+3*day, 2)
	require.NoError(t, err)

	b, _ = lib.Catalog.Get(bookID)
	assert.Equal(t, 2, b.TotalRatings)
	assert.InDelta(t, 3.0, b.AvgRating, 1e-9)
}

func TestStatusOf(t *testing.T) {
	lib := newTestLibrary(t)
	bookID := seedBookAndUser(t, lib, 1, 1)

	st, err := lib.Engine.StatusOf(1, t0)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Nil(t, st.ActiveIssue)
	assert.Zero(t, st.PenaltyEnd)

	_, err = lib.Engine.StatusOf(99, t0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)
	st, err = lib.Engine.StatusOf(1, t0)
	require.NoError(t, err)
	assert.False(t, st.Active)
	require.NotNil(t, st.ActiveIssue)
	assert.Equal(t, bookID, st.ActiveIssue.BookID)

	// Late return: disabled by penalty even with nothing issued.
	_, err = lib.Engine.RequestReturn(1, t0+20*day, 0)
	require.NoError(t, err)
	st, err = lib.Engine.StatusOf(1, t0+21*day)
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Nil(t, st.ActiveIssue)
	assert.NotZero(t, st.PenaltyEnd)

	// Once the penalty lapses the label flips back to active.
	st, err = lib.Engine.StatusOf(1, st.PenaltyEnd)
	require.NoError(t, err)
	assert.True(t, st.Active)
}

func TestListDefaulters(t *testing.T) {
	lib := newTestLibrary(t)
	bookID, err := lib.Catalog.AddBook("Dune", "Frank Herbert", 2)
	require.NoError(t, err)
	require.NoError(t, lib.Members.AddUser(1, "Alice"))
	require.NoError(t, lib.Members.AddUser(2, "Bob"))

	// Alice returns late, Bob on time.
	_, err = lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)
	_, err = lib.Engine.RequestIssue(2, bookID, t0)
	require.NoError(t, err)
	out, err := lib.Engine.RequestReturn(1, t0+16*day, 0)
	require.NoError(t, err)
	_, err = lib.Engine.RequestReturn(2, t0+day, 0)
	require.NoError(t, err)

	entries := lib.Engine.ListDefaulters(t0 + 17*day)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].User.ID)
	assert.Nil(t, entries[0].ActiveIssue)

	// Expired penalties drop out without any write.
	assert.Empty(t, lib.Engine.ListDefaulters(out.PenaltyEnd))
}

func TestRecentHistoryOrderAndLimit(t *testing.T) {
	lib := newTestLibrary(t)
	bookID := seedBookAndUser(t, lib, 1, 1)

	var ids []int64
	for i := int64(0); i < 3; i++ {
		rec, err := lib.Engine.RequestIssue(1, bookID, t0+i*2*day)
		require.NoError(t, err)
		_, err = lib.Engine.RequestReturn(1, t0+(i*2+1)*day, 0)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	entries, err := lib.Engine.RecentHistory(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ids[2], entries[0].IssueID)
	assert.Equal(t, ids[1], entries[1].IssueID)

	entries, err = lib.Engine.RecentHistory(0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	entries, err = lib.Engine.RecentHistory(-3)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAvailabilityStaysWithinBounds(t *testing.T) {
	lib := newTestLibrary(t)
	bookID, err := lib.Catalog.AddBook("Dune", "Frank Herbert", 2)
	require.NoError(t, err)
	require.NoError(t, lib.Members.AddUser(1, "Alice"))
	require.NoError(t, lib.Members.AddUser(2, "Bob"))

	check := func() {
		b, ok := lib.Catalog.Get(bookID)
		require.True(t, ok)
		assert.GreaterOrEqual(t, b.AvailableCopies, 0)
		assert.LessOrEqual(t, b.AvailableCopies, b.TotalCopies)
	}

	_, err = lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)
	check()
	_, err = lib.Engine.RequestIssue(2, bookID, t0)
	require.NoError(t, err)
	check()
	_, err = lib.Engine.RequestReturn(1, t0+day, 0)
	require.NoError(t, err)
	check()
	_, err = lib.Engine.RequestReturn(2, t0+day, 0)
	require.NoError(t, err)
	check()
}

// failingStore wraps a real store and fails every transaction on
// demand, to prove transitions leave memory untouched on storage errors.
type failingStore struct {
	LedgerStore
	fail bool
}

func (f *failingStore) Transact(fn func(w LedgerWriter) error) error {
	if f.fail {
		return fmt.Errorf("transact: %w", ErrStorage)
	}
	return f.LedgerStore.Transact(fn)
}

func TestStorageFailureLeavesMemoryUntouched(t *testing.T) {
	store, err := OpenLedger(filepath.Join(t.TempDir(), "test.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs := &failingStore{LedgerStore: store}
	lib, err := NewLibrary(fs, WithLogger(discardLogger()))
	require.NoError(t, err)

	bookID, err := lib.Catalog.AddBook("Dune", "Frank Herbert", 1)
	require.NoError(t, err)
	require.NoError(t, lib.Members.AddUser(1, "Alice"))

	fs.fail = true
	_, err = lib.Engine.RequestIssue(1, bookID, t0)
	require.ErrorIs(t, err, ErrStorage)

	b, _ := lib.Catalog.Get(bookID)
	assert.Equal(t, 1, b.AvailableCopies, "availability must not change on a failed write")
	st, err := lib.Engine.StatusOf(1, t0)
	require.NoError(t, err)
	assert.Nil(t, st.ActiveIssue)

	// Returns abort the same way.
	fs.fail = false
	_, err = lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)
	fs.fail = true
	_, err = lib.Engine.RequestReturn(1, t0+day, 0)
	require.ErrorIs(t, err, ErrStorage)
	b, _ = lib.Catalog.Get(bookID)
	assert.Equal(t, 0, b.AvailableCopies)
	st, err = lib.Engine.StatusOf(1, t0+day)
	require.NoError(t, err)
	require.NotNil(t, st.ActiveIssue, "the active issue survives a failed return")
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	lib, err := Open(dbPath, WithLogger(discardLogger()))
	require.NoError(t, err)
	bookID, err := lib.Catalog.AddBook("Dune", "Frank Herbert", 2)
	require.NoError(t, err)
	require.NoError(t, lib.Members.AddUser(1, "Alice"))
	rec, err := lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)
	require.NoError(t, lib.Close())

	lib, err = Open(dbPath, WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })

	b, ok := lib.Catalog.Get(bookID)
	require.True(t, ok)
	assert.Equal(t, 1, b.AvailableCopies)
	st, err := lib.Engine.StatusOf(1, t0+day)
	require.NoError(t, err)
	require.NotNil(t, st.ActiveIssue)
	assert.Equal(t, rec.ID, st.ActiveIssue.ID)

	// The reloaded engine closes the loan it did not create.
	out, err := lib.Engine.RequestReturn(1, t0+day, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusReturned, out.Status)
	entries, err := lib.Engine.RecentHistory(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, t0+day, entries[0].ReturnedAt)
}

func TestErrorsAreNoOpsOnState(t *testing.T) {
	lib := newTestLibrary(t)
	bookID := seedBookAndUser(t, lib, 1, 1)

	snapshot := func() (Book, []IssuedRecord) {
		b, _ := lib.Catalog.Get(bookID)
		return b, lib.Engine.issues.snapshot()
	}

	wantBook, wantIssues := snapshot()
	for _, call := range []func() error{
		func() error { _, err := lib.Engine.RequestIssue(99, bookID, t0); return err },
		func() error { _, err := lib.Engine.RequestIssue(1, 999, t0); return err },
		func() error { _, err := lib.Engine.RequestReturn(1, t0, 0); return err },
		func() error { _, err := lib.Engine.RequestReturn(99, t0, 0); return err },
	} {
		require.Error(t, call())
		gotBook, gotIssues := snapshot()
		assert.Equal(t, wantBook, gotBook)
		assert.Equal(t, wantIssues, gotIssues)
	}
}

func TestCustomLendingWindows(t *testing.T) {
	lib := newTestLibrary(t, WithLoanPeriod(24*time.Hour), WithPenaltyWindow(12*time.Hour))
	bookID := seedBookAndUser(t, lib, 1, 1)

	rec, err := lib.Engine.RequestIssue(1, bookID, t0)
	require.NoError(t, err)
	assert.Equal(t, t0+day, rec.DueAt)

	out, err := lib.Engine.RequestReturn(1, t0+2*day, 0)
	require.NoError(t, err)
	assert.Equal(t, t0+2*day+day/2, out.PenaltyEnd)
}

func TestDefaulterErrorMessage(t *testing.T) {
	err := &DefaulterError{UserID: 7, PenaltyEnd: t0}
	assert.True(t, errors.Is(err, ErrForbidden))
	assert.Contains(t, err.Error(), "user 7")
}
