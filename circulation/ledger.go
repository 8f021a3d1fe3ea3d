package circulation

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// Ledger is the SQLite-backed LedgerStore. One logical transition maps
// to one SQLite transaction via Transact.
type Ledger struct {
	db  *sqlx.DB
	log *slog.Logger
}

var _ LedgerStore = (*Ledger)(nil)

// OpenLedger opens (or creates) the SQLite database at dbPath and
// applies schema migrations. A nil logger falls back to slog.Default.
func OpenLedger(dbPath string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// Enable busy_timeout and foreign keys.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{db: db, log: logger}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func applyMigrations(db *sqlx.DB, logger *slog.Logger) error {
	// WAL improves write concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}
	logger.Debug("applying schema migrations", "from", current, "to", schemaVersion)

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS books (
            book_id INTEGER PRIMARY KEY AUTOINCREMENT,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            total_copies INTEGER NOT NULL,
            available_copies INTEGER NOT NULL,
            avg_rating REAL NOT NULL DEFAULT 0,
            total_ratings INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS users (
            user_id INTEGER PRIMARY KEY,
            name TEXT NOT NULL,
            is_defaulter INTEGER NOT NULL DEFAULT 0,
            penalty_end INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS issued (
            issue_id INTEGER PRIMARY KEY AUTOINCREMENT,
            book_id INTEGER NOT NULL REFERENCES books(book_id),
            user_id INTEGER NOT NULL UNIQUE REFERENCES users(user_id),
            issue_datetime INTEGER NOT NULL,
            due_datetime INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS history (
            issue_id INTEGER PRIMARY KEY,
            book_id INTEGER NOT NULL,
            user_id INTEGER NOT NULL,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            issue_datetime INTEGER NOT NULL,
            return_datetime INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL
        );`,
		`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, schemaVersion); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

// mapStoreErr converts driver errors into the package's sentinel kinds.
// Constraint violations surface as ErrConflict (the UNIQUE index on
// issued.user_id backs the one-active-issue invariant at the storage
// layer); everything else is an ErrStorage.
func mapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrStorage)
}

// ---------------------------------------------------------------------------
// Snapshot reads
// ---------------------------------------------------------------------------

func (l *Ledger) LoadBooks() ([]Book, error) {
	var books []Book
	err := l.db.Select(&books, `SELECT book_id, title, author, total_copies, available_copies, avg_rating, total_ratings FROM books`)
	if err != nil {
		return nil, mapStoreErr("load books", err)
	}
	return books, nil
}

func (l *Ledger) LoadUsers() ([]User, error) {
	var users []User
	err := l.db.Select(&users, `SELECT user_id, name, is_defaulter, penalty_end FROM users`)
	if err != nil {
		return nil, mapStoreErr("load users", err)
	}
	return users, nil
}

func (l *Ledger) LoadActiveIssues() ([]IssuedRecord, error) {
	var issues []IssuedRecord
	err := l.db.Select(&issues, `SELECT issue_id, book_id, user_id, issue_datetime, due_datetime FROM issued`)
	if err != nil {
		return nil, mapStoreErr("load active issues", err)
	}
	return issues, nil
}

// RecentHistory returns up to n entries, newest first by issue id.
func (l *Ledger) RecentHistory(n int) ([]HistoryEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	var entries []HistoryEntry
	err := l.db.Select(&entries, `SELECT issue_id, book_id, user_id, title, author, issue_datetime, return_datetime, status
        FROM history ORDER BY issue_id DESC LIMIT ?`, n)
	if err != nil {
		return nil, mapStoreErr("recent history", err)
	}
	return entries, nil
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// ledgerWriter implements LedgerWriter over either the root connection
// (autocommit) or an open transaction; *sqlx.DB and *sqlx.Tx both
// satisfy sqlx.Ext.
type ledgerWriter struct {
	ext sqlx.Ext
}

func (l *Ledger) writer() ledgerWriter { return ledgerWriter{ext: l.db} }

func (w ledgerWriter) UpsertBook(b Book) error {
	_, err := sqlx.NamedExec(w.ext, `INSERT INTO books (book_id, title, author, total_copies, available_copies, avg_rating, total_ratings)
        VALUES (:book_id, :title, :author, :total_copies, :available_copies, :avg_rating, :total_ratings)
        ON CONFLICT(book_id) DO UPDATE SET
            title=excluded.title, author=excluded.author,
            total_copies=excluded.total_copies, available_copies=excluded.available_copies,
            avg_rating=excluded.avg_rating, total_ratings=excluded.total_ratings`, b)
	return mapStoreErr("upsert book", err)
}

func (w ledgerWriter) UpsertUser(u User) error {
	_, err := sqlx.NamedExec(w.ext, `INSERT INTO users (user_id, name, is_defaulter, penalty_end)
        VALUES (:user_id, :name, :is_defaulter, :penalty_end)
        ON CONFLICT(user_id) DO UPDATE SET
            name=excluded.name, is_defaulter=excluded.is_defaulter, penalty_end=excluded.penalty_end`, u)
	return mapStoreErr("upsert user", err)
}

func (w ledgerWriter) InsertActiveIssue(r IssuedRecord) (int64, error) {
	res, err := sqlx.NamedExec(w.ext, `INSERT INTO issued (book_id, user_id, issue_datetime, due_datetime)
        VALUES (:book_id, :user_id, :issue_datetime, :due_datetime)`, r)
	if err != nil {
		return 0, mapStoreErr("insert active issue", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, mapStoreErr("insert active issue", err)
	}
	return id, nil
}

func (w ledgerWriter) DeleteActiveIssue(issueID int64) error {
	_, err := w.ext.Exec(`DELETE FROM issued WHERE issue_id = ?`, issueID)
	return mapStoreErr("delete active issue", err)
}

func (w ledgerWriter) AppendHistory(h HistoryEntry) error {
	_, err := sqlx.NamedExec(w.ext, `INSERT INTO history (issue_id, book_id, user_id, title, author, issue_datetime, return_datetime, status)
        VALUES (:issue_id, :book_id, :user_id, :title, :author, :issue_datetime, :return_datetime, :status)`, h)
	return mapStoreErr("append history", err)
}

// CloseHistory writes the return timestamp and terminal status. The
// return_datetime = 0 guard keeps a closed entry immutable.
func (w ledgerWriter) CloseHistory(issueID, returnedAt int64, status LoanStatus) error {
	res, err := w.ext.Exec(`UPDATE history SET return_datetime = ?, status = ? WHERE issue_id = ? AND return_datetime = 0`,
		returnedAt, status, issueID)
	if err != nil {
		return mapStoreErr("close history", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("close history: open entry for issue %d: %w", issueID, ErrNotFound)
	}
	return nil
}

// Root-level writes run as single autocommitted statements.

func (l *Ledger) UpsertBook(b Book) error  { return l.writer().UpsertBook(b) }
func (l *Ledger) UpsertUser(u User) error  { return l.writer().UpsertUser(u) }
func (l *Ledger) InsertActiveIssue(r IssuedRecord) (int64, error) {
	return l.writer().InsertActiveIssue(r)
}
func (l *Ledger) DeleteActiveIssue(issueID int64) error { return l.writer().DeleteActiveIssue(issueID) }
func (l *Ledger) AppendHistory(h HistoryEntry) error    { return l.writer().AppendHistory(h) }
func (l *Ledger) CloseHistory(issueID, returnedAt int64, status LoanStatus) error {
	return l.writer().CloseHistory(issueID, returnedAt, status)
}

func (l *Ledger) InsertBook(b Book) (int64, error) {
	res, err := l.db.Exec(`INSERT INTO books (title, author, total_copies, available_copies) VALUES (?, ?, ?, ?)`,
		b.Title, b.Author, b.TotalCopies, b.AvailableCopies)
	if err != nil {
		return 0, mapStoreErr("insert book", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, mapStoreErr("insert book", err)
	}
	return id, nil
}

func (l *Ledger) DeleteBook(bookID int64) error {
	_, err := l.db.Exec(`DELETE FROM books WHERE book_id = ?`, bookID)
	return mapStoreErr("delete book", err)
}

func (l *Ledger) DeleteUser(userID int64) error {
	_, err := l.db.Exec(`DELETE FROM users WHERE user_id = ?`, userID)
	return mapStoreErr("delete user", err)
}

// Transact applies every write issued by fn in one SQLite transaction.
func (l *Ledger) Transact(fn func(w LedgerWriter) error) error {
	tx, err := l.db.Beginx()
	if err != nil {
		return mapStoreErr("begin", err)
	}
	defer tx.Rollback()

	if err := fn(ledgerWriter{ext: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapStoreErr("commit", err)
	}
	return nil
}

// SaveAll replaces the stored snapshot with the in-memory state, as one
// transaction. History is append-only and untouched by the flush.
func (l *Ledger) SaveAll(books []Book, users []User, issues []IssuedRecord) error {
	return l.Transact(func(w LedgerWriter) error {
		tw := w.(ledgerWriter)
		for _, table := range []string{"issued", "books", "users"} {
			if _, err := tw.ext.Exec(`DELETE FROM ` + table); err != nil {
				return mapStoreErr("flush "+table, err)
			}
		}
		for _, b := range books {
			if err := tw.UpsertBook(b); err != nil {
				return err
			}
		}
		for _, u := range users {
			if err := tw.UpsertUser(u); err != nil {
				return err
			}
		}
		for _, r := range issues {
			if _, err := sqlx.NamedExec(tw.ext, `INSERT INTO issued (issue_id, book_id, user_id, issue_datetime, due_datetime)
                VALUES (:issue_id, :book_id, :user_id, :issue_datetime, :due_datetime)`, r); err != nil {
				return mapStoreErr("flush issued", err)
			}
		}
		return nil
	})
}
