package cache

import (
	"fmt"
	"strings"

	"github.com/devgold123/isotope-mail/pkg/types"
)

// SearchOptions filters cached envelope summaries. Nil fields are
// ignored.
type SearchOptions struct {
	Account string
	Folder  *string // folder path, all folders when nil
	Query   string  // full-text match on subject and sender
	Unseen  *bool
	Flagged *bool
	Limit   int
}

// Search queries the cached envelopes using full-text search. Results
// come from the local cache only and may lag the server.
func (s *Store) Search(opts SearchOptions) ([]*types.Message, error) {
	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}

	var conditions []string
	var args []interface{}

	conditions = append(conditions, "f.account = ?")
	args = append(args, opts.Account)

	if opts.Folder != nil {
		conditions = append(conditions, "f.path = ?")
		args = append(args, *opts.Folder)
	}
	if opts.Unseen != nil {
		conditions = append(conditions, "e.seen = ?")
		args = append(args, !*opts.Unseen)
	}
	if opts.Flagged != nil {
		conditions = append(conditions, "e.flagged = ?")
		args = append(args, *opts.Flagged)
	}

	var query string
	if strings.TrimSpace(opts.Query) != "" {
		conditions = append(conditions, "envelopes_fts MATCH ?")
		args = append(args, opts.Query)
		query = `
			SELECT e.uid, e.subject, e.sender_name, e.sender_email, e.recipients, e.date, e.size, e.seen, e.flagged, e.deleted
			FROM envelopes_fts
			JOIN envelopes e ON e.id = envelopes_fts.rowid
			JOIN folders f ON e.folder_id = f.id
			WHERE ` + strings.Join(conditions, " AND ") + `
			ORDER BY e.date DESC
			LIMIT ?
		`
	} else {
		query = `
			SELECT e.uid, e.subject, e.sender_name, e.sender_email, e.recipients, e.date, e.size, e.seen, e.flagged, e.deleted
			FROM envelopes e
			JOIN folders f ON e.folder_id = f.id
			WHERE ` + strings.Join(conditions, " AND ") + `
			ORDER BY e.date DESC
			LIMIT ?
		`
	}
	args = append(args, opts.Limit)

	rows, err := s.cache.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search envelopes: %w", err)
	}
	defer rows.Close()

	var messages []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
