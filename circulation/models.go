package circulation

import (
	"fmt"
	"time"
)

// LoanStatus tags a history entry: "issued" while the loan is open,
// "returned" or "defaulter" once it has been closed.
type LoanStatus string

const (
	StatusIssued    LoanStatus = "issued"
	StatusReturned  LoanStatus = "returned"
	StatusDefaulter LoanStatus = "defaulter"
)

// Describable is implemented by every entity that can render a one-line
// summary of itself for listings and logs.
type Describable interface {
	Describe() string
}

// Book is a title in the catalog. Copies are a count, not distinct
// entities: AvailableCopies tracks how many of TotalCopies are currently
// on the shelf, and always stays within [0, TotalCopies].
type Book struct {
	ID              int64   `db:"book_id" json:"id"`
	Title           string  `db:"title" json:"title"`
	Author          string  `db:"author" json:"author"`
	TotalCopies     int     `db:"total_copies" json:"total_copies"`
	AvailableCopies int     `db:"available_copies" json:"available_copies"`
	AvgRating       float64 `db:"avg_rating" json:"avg_rating"`
	TotalRatings    int     `db:"total_ratings" json:"total_ratings"`
}

func (b Book) Describe() string {
	return fmt.Sprintf("ID: %d | Title: %s | Author: %s | Total: %d | Available: %d | Rating: %.1f",
		b.ID, b.Title, b.Author, b.TotalCopies, b.AvailableCopies, b.AvgRating)
}

// User is a registered borrower. The ID is caller-supplied and unique.
// PenaltyEnd is meaningful only while IsDefaulter is set; the flag is
// never proactively cleared; expiry is checked lazily at read time.
type User struct {
	ID          int64  `db:"user_id" json:"id"`
	Name        string `db:"name" json:"name"`
	IsDefaulter bool   `db:"is_defaulter" json:"is_defaulter"`
	PenaltyEnd  int64  `db:"penalty_end" json:"penalty_end"`
}

func (u User) Describe() string {
	s := fmt.Sprintf("ID: %d | Name: %s", u.ID, u.Name)
	if u.IsDefaulter && u.PenaltyEnd > 0 {
		s += " | Defaulter until: " + FormatEpoch(u.PenaltyEnd)
	}
	return s
}

// IssuedRecord is an active loan. At most one exists per user at any
// time. It is removed on return; the terminal data lives on as a
// HistoryEntry.
type IssuedRecord struct {
	ID       int64 `db:"issue_id" json:"id"`
	BookID   int64 `db:"book_id" json:"book_id"`
	UserID   int64 `db:"user_id" json:"user_id"`
	IssuedAt int64 `db:"issue_datetime" json:"issued_at"`
	DueAt    int64 `db:"due_datetime" json:"due_at"`
}

func (r IssuedRecord) Describe() string {
	return fmt.Sprintf("Issued ID: %d | Book ID: %d | User ID: %d | Due: %s",
		r.ID, r.BookID, r.UserID, FormatEpoch(r.DueAt))
}

// HistoryEntry is one row of the append-only loan ledger. It carries a
// denormalized title/author snapshot so the record survives book removal.
// ReturnedAt is zero while the loan is open and is filled in exactly once.
type HistoryEntry struct {
	IssueID    int64      `db:"issue_id" json:"issue_id"`
	BookID     int64      `db:"book_id" json:"book_id"`
	UserID     int64      `db:"user_id" json:"user_id"`
	Title      string     `db:"title" json:"title"`
	Author     string     `db:"author" json:"author"`
	IssuedAt   int64      `db:"issue_datetime" json:"issued_at"`
	ReturnedAt int64      `db:"return_datetime" json:"returned_at"`
	Status     LoanStatus `db:"status" json:"status"`
}

func (h HistoryEntry) Describe() string {
	returned := "-"
	if h.ReturnedAt != 0 {
		returned = FormatEpoch(h.ReturnedAt)
	}
	return fmt.Sprintf("ID: %d | Title: %s | Author: %s | User: %d | Issued: %s | Returned: %s | Status: %s",
		h.IssueID, h.Title, h.Author, h.UserID, FormatEpoch(h.IssuedAt), returned, h.Status)
}

// FormatEpoch renders an epoch-seconds timestamp as a date, or "-" for
// the zero value.
func FormatEpoch(t int64) string {
	if t == 0 {
		return "-"
	}
	return time.Unix(t, 0).Format("2006-01-02")
}
