package circulation

// LedgerWriter is the mutation half of the store contract. The engine
// groups the writes of one logical transition behind Transact so they
// land as a single durable unit; catalog and membership use the
// top-level methods directly, one autocommitted write per operation.
type LedgerWriter interface {
	UpsertBook(b Book) error
	UpsertUser(u User) error
	// InsertActiveIssue persists a new active loan and returns the
	// store-assigned issue id.
	InsertActiveIssue(r IssuedRecord) (int64, error)
	DeleteActiveIssue(issueID int64) error
	AppendHistory(h HistoryEntry) error
	// CloseHistory fills in the return timestamp and terminal status of
	// an open history entry. It never reopens a closed entry.
	CloseHistory(issueID, returnedAt int64, status LoanStatus) error
}

// LedgerStore is the persistence contract consumed by the catalog,
// membership and circulation engine. The embedded storage engine behind
// it is an external dependency; the core only sees this surface.
type LedgerStore interface {
	LedgerWriter

	// Full snapshot reads, used once at startup.
	LoadBooks() ([]Book, error)
	LoadUsers() ([]User, error)
	LoadActiveIssues() ([]IssuedRecord, error)

	// InsertBook persists a new book and returns the store-assigned id.
	InsertBook(b Book) (int64, error)
	DeleteBook(bookID int64) error
	DeleteUser(userID int64) error

	// RecentHistory returns up to n history entries, most recent first.
	// n <= 0 yields an empty result.
	RecentHistory(n int) ([]HistoryEntry, error)

	// Transact runs fn against a writer whose mutations are applied
	// atomically: either every write in fn becomes durable, or none do.
	Transact(fn func(w LedgerWriter) error) error

	// SaveAll replaces the stored snapshot with the given in-memory
	// state, as one unit. Invoked at shutdown and on demand.
	SaveAll(books []Book, users []User, issues []IssuedRecord) error

	Close() error
}
