package circulation

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog is the authoritative in-memory view of books and their copy
// counts, mirrored to the ledger store write-through: every mutation
// persists first and lands in memory only once durable.
//
// The catalog exclusively owns Book records, but availability and
// rating fields are mutated only through the engine's transitions.
type Catalog struct {
	mu     *sync.Mutex
	store  LedgerStore
	issues *issueIndex
	books  map[int64]*Book
}

func newCatalog(mu *sync.Mutex, store LedgerStore, issues *issueIndex, books []Book) *Catalog {
	c := &Catalog{
		mu:     mu,
		store:  store,
		issues: issues,
		books:  make(map[int64]*Book, len(books)),
	}
	for i := range books {
		b := books[i]
		c.books[b.ID] = &b
	}
	return c
}

// AddBook creates a book with every copy on the shelf and returns the
// store-assigned id.
func (c *Catalog) AddBook(title, author string, totalCopies int) (int64, error) {
	if totalCopies <= 0 {
		return 0, fmt.Errorf("total copies must be positive: %w", ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	b := Book{Title: title, Author: author, TotalCopies: totalCopies, AvailableCopies: totalCopies}
	id, err := c.store.InsertBook(b)
	if err != nil {
		return 0, err
	}
	b.ID = id
	c.books[id] = &b
	return id, nil
}

// RemoveBook deletes a book. It refuses while any active issue still
// references the book.
func (c *Catalog) RemoveBook(bookID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.books[bookID]; !ok {
		return fmt.Errorf("book %d: %w", bookID, ErrNotFound)
	}
	if c.issues.bookInUse(bookID) {
		return fmt.Errorf("book %d has active issued copies: %w", bookID, ErrConflict)
	}
	if err := c.store.DeleteBook(bookID); err != nil {
		return err
	}
	delete(c.books, bookID)
	return nil
}

// Get returns a copy of the book, or false if absent.
func (c *Catalog) Get(bookID int64) (Book, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[bookID]
	if !ok {
		return Book{}, false
	}
	return *b, true
}

// List returns all books ordered by id. Callers must not depend on any
// other property of the ordering.
func (c *Catalog) List() []Book {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Book, 0, len(c.books))
	for _, b := range c.books {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// find returns the live record. Lock held by the caller.
func (c *Catalog) find(bookID int64) *Book {
	return c.books[bookID]
}

// adjustAvailability returns a copy of the book with delta applied to
// the available count, clamped into [0, total]. The engine persists the
// copy and installs it with put once the write is durable.
func (c *Catalog) adjustAvailability(bookID int64, delta int) (Book, error) {
	b, ok := c.books[bookID]
	if !ok {
		return Book{}, fmt.Errorf("book %d: %w", bookID, ErrNotFound)
	}
	next := *b
	next.AvailableCopies += delta
	if next.AvailableCopies < 0 {
		next.AvailableCopies = 0
	}
	if next.AvailableCopies > next.TotalCopies {
		next.AvailableCopies = next.TotalCopies
	}
	return next, nil
}

// recordRating folds stars into the running average:
// newAvg = (oldAvg*oldCount + stars) / (oldCount + 1).
func (c *Catalog) recordRating(b *Book, stars int) {
	b.AvgRating = (b.AvgRating*float64(b.TotalRatings) + float64(stars)) / float64(b.TotalRatings+1)
	b.TotalRatings++
}

// put installs a durably persisted copy. Lock held by the caller.
func (c *Catalog) put(b Book) {
	c.books[b.ID] = &b
}

// snapshot returns all books for a full flush. Lock held by the caller.
func (c *Catalog) snapshot() []Book {
	out := make([]Book, 0, len(c.books))
	for _, b := range c.books {
		out = append(out, *b)
	}
	return out
}
