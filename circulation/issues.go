package circulation

// issueIndex is the in-memory view of the active-issue set. The engine
// is its only mutator; catalog and membership consult it to block
// removal of referenced entities. At most one record per user is held,
// an invariant the engine preserves on every transition.
type issueIndex struct {
	byUser map[int64]*IssuedRecord
}

func newIssueIndex(records []IssuedRecord) *issueIndex {
	ix := &issueIndex{byUser: make(map[int64]*IssuedRecord, len(records))}
	for i := range records {
		r := records[i]
		ix.byUser[r.UserID] = &r
	}
	return ix
}

// forUser returns the user's active issue, or nil.
func (ix *issueIndex) forUser(userID int64) *IssuedRecord {
	return ix.byUser[userID]
}

// bookInUse reports whether any active issue references the book.
func (ix *issueIndex) bookInUse(bookID int64) bool {
	for _, r := range ix.byUser {
		if r.BookID == bookID {
			return true
		}
	}
	return false
}

func (ix *issueIndex) add(r IssuedRecord) {
	ix.byUser[r.UserID] = &r
}

func (ix *issueIndex) remove(userID int64) {
	delete(ix.byUser, userID)
}

func (ix *issueIndex) snapshot() []IssuedRecord {
	out := make([]IssuedRecord, 0, len(ix.byUser))
	for _, r := range ix.byUser {
		out = append(out, *r)
	}
	return out
}
