package store

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// ReplaceContacts swaps the cached directory for contacts in a single
// transaction.
func (db *DB) ReplaceContacts(ctx context.Context, contacts []model.Contact) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts`); err != nil {
		return fmt.Errorf("clear contacts: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, c := range contacts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (user_id, display_name, avatar_url, bio, email, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				display_name = excluded.display_name,
				avatar_url = excluded.avatar_url,
				bio = excluded.bio,
				email = excluded.email,
				updated_at = excluded.updated_at`,
			c.UserID, c.DisplayName, c.AvatarURL, c.Bio, c.Email, now); err != nil {
			return fmt.Errorf("insert contact %q: %w", c.UserID, err)
		}
	}
	return tx.Commit()
}

// ListContacts returns the cached directory ordered by name.
func (db *DB) ListContacts(ctx context.Context) ([]model.Contact, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, display_name, avatar_url, bio, email
		FROM contacts
		ORDER BY display_name COLLATE NOCASE, user_id`)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var contacts []model.Contact
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.UserID, &c.DisplayName, &c.AvatarURL, &c.Bio, &c.Email); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// ContactCount returns the number of cached contacts.
func (db *DB) ContactCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&count)
	return count, err
}
