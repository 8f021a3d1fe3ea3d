package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"library-circulation/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// The CLI is a thin caller over the circulation core: it parses input,
// gates the administrative commands and renders results. All lending
// rules live in the core.
type cli struct {
	cfg       *Config
	lib       *circulation.Library
	adminHash []byte
}

func main() {
	app := &cli{}
	root := app.rootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "circulate",
		Short:         "Track books, borrowers and loans with automatic late-return penalties",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)

			hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Admin.Password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash admin password: %w", err)
			}

			lib, err := circulation.Open(cfg.Database.Path,
				circulation.WithLoanPeriod(cfg.Circulation.LoanPeriod),
				circulation.WithPenaltyWindow(cfg.Circulation.PenaltyWindow),
				circulation.WithLogger(logger),
			)
			if err != nil {
				return fmt.Errorf("open library: %w", err)
			}

			a.cfg = cfg
			a.lib = lib
			a.adminHash = hash
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.lib == nil {
				return nil
			}
			return a.lib.Close()
		},
	}

	root.AddCommand(
		a.booksCommand(),
		a.usersCommand(),
		a.issueCommand(),
		a.returnCommand(),
		a.statusCommand(),
		a.defaultersCommand(),
		a.historyCommand(),
		a.saveCommand(),
	)
	return root
}

// readPassword securely reads a password with masking.
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println()
	return strings.TrimSpace(string(bytePassword)), nil
}

// requireAdmin gates a command behind the admin password.
func (a *cli) requireAdmin() error {
	password, err := readPassword("Admin password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(a.adminHash, []byte(password)); err != nil {
		return fmt.Errorf("wrong password")
	}
	return nil
}

func (a *cli) booksCommand() *cobra.Command {
	books := &cobra.Command{Use: "books", Short: "Manage the catalog"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every book with availability and rating",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all := a.lib.Catalog.List()
			if len(all) == 0 {
				fmt.Println("No books in library.")
				return nil
			}
			fmt.Printf("%-5s %-30s %-25s %-7s %-10s %-7s %s\n",
				"ID", "Title", "Author", "Total", "Available", "Rating", "Ratings")
			fmt.Println(strings.Repeat("-", 95))
			for _, b := range all {
				fmt.Printf("%-5d %-30s %-25s %-7d %-10d %-7.1f %d\n",
					b.ID, truncateString(b.Title, 30), truncateString(b.Author, 25),
					b.TotalCopies, b.AvailableCopies, b.AvgRating, b.TotalRatings)
			}
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add <title> <author> <copies>",
		Short: "Add a book to the catalog",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAdmin(); err != nil {
				return err
			}
			copies, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid copy count %q", args[2])
			}
			id, err := a.lib.Catalog.AddBook(args[0], args[1], copies)
			if err != nil {
				return err
			}
			fmt.Printf("Book added successfully. ID: %d\n", id)
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <book-id>",
		Short: "Remove a book that has no copies on loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAdmin(); err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.lib.Catalog.RemoveBook(id); err != nil {
				return err
			}
			fmt.Println("Book removed.")
			return nil
		},
	}

	books.AddCommand(list, add, remove)
	return books
}

func (a *cli) usersCommand() *cobra.Command {
	users := &cobra.Command{Use: "users", Short: "Manage borrowers"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every user with status, active loan and penalty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAdmin(); err != nil {
				return err
			}
			all := a.lib.Members.List()
			if len(all) == 0 {
				fmt.Println("No users.")
				return nil
			}
			now := time.Now().Unix()
			fmt.Printf("%-8s %-20s %-12s %-8s %-12s %-12s %s\n",
				"ID", "Name", "Status", "BookID", "Issued", "Due", "Penalty End")
			fmt.Println(strings.Repeat("-", 90))
			for _, u := range all {
				st, err := a.lib.Engine.StatusOf(u.ID, now)
				if err != nil {
					return err
				}
				label, bookID, issued, due, penalty := "ACTIVE", "-", "-", "-", "-"
				if st.PenaltyEnd != 0 {
					label = "DEFAULTER"
					penalty = circulation.FormatEpoch(st.PenaltyEnd)
				}
				if st.ActiveIssue != nil {
					label = "ISSUED"
					bookID = strconv.FormatInt(st.ActiveIssue.BookID, 10)
					issued = circulation.FormatEpoch(st.ActiveIssue.IssuedAt)
					due = circulation.FormatEpoch(st.ActiveIssue.DueAt)
				}
				fmt.Printf("%-8d %-20s %-12s %-8s %-12s %-12s %s\n",
					u.ID, truncateString(u.Name, 20), label, bookID, issued, due, penalty)
			}
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add <user-id> <name>",
		Short: "Register a user under a caller-supplied id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAdmin(); err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.lib.Members.AddUser(id, args[1]); err != nil {
				return err
			}
			fmt.Println("User added.")
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <user-id>",
		Short: "Remove a user who holds no active loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAdmin(); err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.lib.Members.RemoveUser(id); err != nil {
				return err
			}
			fmt.Println("User removed.")
			return nil
		},
	}

	users.AddCommand(list, add, remove)
	return users
}

func (a *cli) issueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "issue <user-id> <book-id>",
		Short: "Check a book out to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0])
			if err != nil {
				return err
			}
			bookID, err := parseID(args[1])
			if err != nil {
				return err
			}

			// Unknown users may self-register at the desk.
			if _, ok := a.lib.Members.Get(userID); !ok {
				name, ok := promptRegistration(userID)
				if !ok {
					fmt.Println("Operation cancelled.")
					return nil
				}
				if err := a.lib.Members.AddUser(userID, name); err != nil {
					return err
				}
				fmt.Println("Registered successfully.")
			}

			rec, err := a.lib.Engine.RequestIssue(userID, bookID, time.Now().Unix())
			if err != nil {
				return err
			}
			fmt.Printf("Issued successfully! Issue ID: %d | Due: %s\n",
				rec.ID, circulation.FormatEpoch(rec.DueAt))
			return nil
		},
	}
}

func (a *cli) returnCommand() *cobra.Command {
	var rating int
	cmd := &cobra.Command{
		Use:   "return <user-id>",
		Short: "Return the user's active loan, optionally rating the book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0])
			if err != nil {
				return err
			}
			if rating == 0 {
				rating, err = promptRating()
				if err != nil {
					return err
				}
			}

			out, err := a.lib.Engine.RequestReturn(userID, time.Now().Unix(), rating)
			if err != nil {
				return err
			}
			if out.Status == circulation.StatusDefaulter {
				fmt.Printf("Overdue return. Penalty until: %s\n",
					circulation.FormatEpoch(out.PenaltyEnd))
			} else {
				fmt.Println("Book returned successfully. Thank you!")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "star rating 1-5 (0 prompts, empty input skips)")
	return cmd
}

func (a *cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <user-id>",
		Short: "Show whether a user is active, issued or penalized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := a.lib.Engine.StatusOf(userID, time.Now().Unix())
			if err != nil {
				return err
			}
			label := "DISABLED"
			if st.Active {
				label = "ACTIVE"
			}
			fmt.Printf("User %d (%s) is %s.\n", st.User.ID, st.User.Name, label)
			if st.ActiveIssue != nil {
				fmt.Println(st.ActiveIssue.Describe())
			}
			if st.PenaltyEnd != 0 {
				fmt.Printf("Penalty until: %s\n", circulation.FormatEpoch(st.PenaltyEnd))
			}
			return nil
		},
	}
}

func (a *cli) defaultersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "defaulters",
		Short: "List users under an active penalty window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAdmin(); err != nil {
				return err
			}
			entries := a.lib.Engine.ListDefaulters(time.Now().Unix())
			if len(entries) == 0 {
				fmt.Println("No defaulters.")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("ID: %d | %s | Penalty ends: %s\n",
					e.User.ID, e.User.Name, circulation.FormatEpoch(e.User.PenaltyEnd))
				if e.ActiveIssue != nil {
					fmt.Printf("  Active: %s\n", e.ActiveIssue.Describe())
				}
			}
			return nil
		},
	}
}

func (a *cli) historyCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <n>",
		Short: "Show the n most recent loan records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAdmin(); err != nil {
				return err
			}
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid record count %q", args[0])
			}
			entries, err := a.lib.Engine.RecentHistory(n)
			if err != nil {
				return err
			}
			if asJSON {
				data, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return fmt.Errorf("encode history: %w", err)
				}
				fmt.Println(string(data))
				return nil
			}
			if len(entries) == 0 {
				fmt.Println("No history records.")
				return nil
			}
			for _, h := range entries {
				fmt.Println(h.Describe())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the records as JSON")
	return cmd
}

func (a *cli) saveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Flush the full in-memory snapshot to the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAdmin(); err != nil {
				return err
			}
			if err := a.lib.SaveAll(); err != nil {
				return err
			}
			fmt.Println("Saved all.")
			return nil
		},
	}
}

func promptRegistration(userID int64) (string, bool) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Printf("User %d not found. Register? (y/n): ", userID)
	if !scanner.Scan() {
		return "", false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	if answer != "y" && answer != "yes" {
		return "", false
	}
	fmt.Print("Enter name: ")
	if !scanner.Scan() {
		return "", false
	}
	name := strings.TrimSpace(scanner.Text())
	if name == "" {
		return "", false
	}
	return name, true
}

func promptRating() (int, error) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("Rate the book (1 to 5 stars, Enter to skip): ")
	if !scanner.Scan() {
		return 0, nil
	}
	text := strings.TrimSpace(scanner.Text())
	if text == "" {
		return 0, nil
	}
	rating, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid rating %q", text)
	}
	return rating, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func truncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return s[:maxLength]
	}
	return s[:maxLength-3] + "..."
}
