package main

import (
	"fmt"
	"os"
	"strings"

	"library-circulation/circulation"
)

// seed_catalog rebuilds the database from scratch with a demo catalog
// and a handful of registered users.
func main() {
	dbPath := "library.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}

	fmt.Println("Cleaning up existing database files...")
	dbFiles := []string{dbPath, dbPath + "-shm", dbPath + "-wal"}
	for _, file := range dbFiles {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			fmt.Printf("Warning: Could not remove %s: %v\n", file, err)
		}
	}
	fmt.Println("Database cleanup complete.")

	lib, err := circulation.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating database: %v\n", err)
		os.Exit(1)
	}
	defer lib.Close()

	seedBooks := []struct {
		title  string
		author string
		copies int
	}{
		{"1984", "George Orwell", 3},
		{"Animal Farm", "George Orwell", 2},
		{"The Diary of a Young Girl", "Anne Frank", 2},
		{"The Art of War", "Sun Tzu", 4},
		{"The Fellowship of the Ring", "J.R.R. Tolkien", 3},
		{"The Two Towers", "J.R.R. Tolkien", 3},
		{"The Return of the King", "J.R.R. Tolkien", 3},
		{"Romeo and Juliet", "William Shakespeare", 2},
		{"The Three Musketeers", "Alexandre Dumas", 1},
		{"Harry Potter and the Philosopher's Stone", "J.K. Rowling", 5},
	}

	seedUsers := []struct {
		id   int64
		name string
	}{
		{1001, "Alice Johnson"},
		{1002, "Bob Smith"},
		{1003, "Carol Davis"},
	}

	successCount := 0
	errorCount := 0

	for _, b := range seedBooks {
		fmt.Printf("Seeding: %s by %s... ", b.title, b.author)
		id, err := lib.Catalog.AddBook(b.title, b.author, b.copies)
		if err != nil {
			fmt.Printf("ERROR - %v\n", err)
			errorCount++
			continue
		}
		fmt.Printf("SUCCESS (ID: %d)\n", id)
		successCount++
	}

	for _, u := range seedUsers {
		fmt.Printf("Registering user %d (%s)... ", u.id, u.name)
		if err := lib.Members.AddUser(u.id, u.name); err != nil {
			fmt.Printf("ERROR - %v\n", err)
			errorCount++
			continue
		}
		fmt.Println("SUCCESS")
	}

	fmt.Printf("\nSeed complete!\n")
	fmt.Printf("Successfully seeded: %d entries\n", successCount+len(seedUsers)-errorCount)
	fmt.Printf("Errors: %d\n", errorCount)

	if successCount > 0 {
		fmt.Println("\nCatalog:")
		fmt.Printf("%-3s %-50s %-30s %s\n", "ID", "Title", "Author", "Copies")
		fmt.Println(strings.Repeat("-", 92))
		for _, book := range lib.Catalog.List() {
			fmt.Printf("%-3d %-50s %-30s %d\n",
				book.ID, truncateString(book.Title, 50), truncateString(book.Author, 30), book.TotalCopies)
		}
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
