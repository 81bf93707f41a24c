package store

import (
	"context"
	"fmt"
	"time"
)

// LoadDrafts returns every saved draft keyed by peer.
func (db *DB) LoadDrafts(ctx context.Context) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT peer_id, text FROM drafts`)
	if err != nil {
		return nil, fmt.Errorf("query drafts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	drafts := make(map[string]string)
	for rows.Next() {
		var peer, text string
		if err := rows.Scan(&peer, &text); err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		drafts[peer] = text
	}
	return drafts, rows.Err()
}

// SaveDraft inserts or replaces the draft for peer.
func (db *DB) SaveDraft(ctx context.Context, peer, text string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO drafts (peer_id, text, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			text = excluded.text,
			updated_at = excluded.updated_at`,
		peer, text, time.Now().UnixMilli())
	return err
}

func (db *DB) DeleteDraft(ctx context.Context, peer string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM drafts WHERE peer_id = ?`, peer)
	return err
}
