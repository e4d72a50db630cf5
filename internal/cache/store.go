package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devgold123/isotope-mail/pkg/types"
)

// Store records envelope summaries and folder watermarks observed while
// serving requests, so clients can cheaply detect changes between
// requests. Message bodies are never stored.
type Store struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{
		cache:  cache,
		logger: logger,
	}
}

// UpsertFolder records a folder observation and returns its cache ID.
func (s *Store) UpsertFolder(account, path string, messageCount, unreadCount uint32, highestModSeq uint64) (int64, error) {
	query := `
		INSERT INTO folders (account, path, message_count, unread_count, highest_modseq, last_listed)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account, path) DO UPDATE SET
			message_count = excluded.message_count,
			unread_count = excluded.unread_count,
			highest_modseq = MAX(highest_modseq, excluded.highest_modseq),
			last_listed = CURRENT_TIMESTAMP
	`
	if _, err := s.cache.DB().Exec(query, account, path, messageCount, unreadCount, highestModSeq); err != nil {
		return 0, fmt.Errorf("failed to upsert folder: %w", err)
	}

	var folderID int64
	err := s.cache.DB().QueryRow("SELECT id FROM folders WHERE account = ? AND path = ?", account, path).Scan(&folderID)
	if err != nil {
		return 0, fmt.Errorf("failed to get folder ID: %w", err)
	}
	return folderID, nil
}

// Watermark returns the highest modification sequence recorded for the
// folder, zero when the folder was never observed.
func (s *Store) Watermark(account, path string) (uint64, error) {
	var modseq uint64
	err := s.cache.DB().QueryRow(
		"SELECT highest_modseq FROM folders WHERE account = ? AND path = ?", account, path,
	).Scan(&modseq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get folder watermark: %w", err)
	}
	return modseq, nil
}

// RecordMessages upserts envelope summaries for a folder. The folder row
// is created on first observation.
func (s *Store) RecordMessages(account, path string, messages []*types.Message) error {
	var watermark uint64
	for _, msg := range messages {
		if msg.ModSeq != nil && *msg.ModSeq > watermark {
			watermark = *msg.ModSeq
		}
	}
	folderID, err := s.UpsertFolder(account, path, 0, 0, watermark)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO envelopes (folder_id, uid, subject, sender_name, sender_email, recipients, date, size, seen, flagged, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_id, uid) DO UPDATE SET
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			recipients = excluded.recipients,
			date = excluded.date,
			size = excluded.size,
			seen = excluded.seen,
			flagged = excluded.flagged,
			deleted = excluded.deleted,
			cached_at = CURRENT_TIMESTAMP
	`
	for _, msg := range messages {
		recipientsJSON, err := json.Marshal(msg.Recipients)
		if err != nil {
			return fmt.Errorf("failed to marshal recipients: %w", err)
		}
		_, err = s.cache.DB().Exec(query,
			folderID,
			msg.UID,
			msg.Subject,
			msg.SenderName,
			msg.SenderEmail,
			string(recipientsJSON),
			msg.Date.UTC().Format(time.RFC3339),
			msg.Size,
			msg.Seen,
			msg.Flagged,
			msg.Deleted,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert envelope: %w", err)
		}
	}
	return nil
}

// ForgetMessages drops cached envelopes, typically after a move removed
// them from their source folder.
func (s *Store) ForgetMessages(account, path string, uids []uint32) error {
	for _, uid := range uids {
		_, err := s.cache.DB().Exec(`
			DELETE FROM envelopes WHERE uid = ? AND folder_id =
				(SELECT id FROM folders WHERE account = ? AND path = ?)
		`, uid, account, path)
		if err != nil {
			return fmt.Errorf("failed to delete envelope: %w", err)
		}
	}
	return nil
}

// ListMessages returns the cached summaries for a folder, most recent
// UID first.
func (s *Store) ListMessages(account, path string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT e.uid, e.subject, e.sender_name, e.sender_email, e.recipients, e.date, e.size, e.seen, e.flagged, e.deleted
		FROM envelopes e
		JOIN folders f ON e.folder_id = f.id
		WHERE f.account = ? AND f.path = ?
		ORDER BY e.uid DESC
		LIMIT ?
	`
	rows, err := s.cache.DB().Query(query, account, path, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query envelopes: %w", err)
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

func scanMessage(rows *sql.Rows) (*types.Message, error) {
	var msg types.Message
	var recipientsJSON, dateStr string
	err := rows.Scan(
		&msg.UID,
		&msg.Subject,
		&msg.SenderName,
		&msg.SenderEmail,
		&recipientsJSON,
		&dateStr,
		&msg.Size,
		&msg.Seen,
		&msg.Flagged,
		&msg.Deleted,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan envelope: %w", err)
	}
	msg.Date, err = time.Parse(time.RFC3339, dateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse date: %w", err)
	}
	if err := json.Unmarshal([]byte(recipientsJSON), &msg.Recipients); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
	}
	return &msg, nil
}
