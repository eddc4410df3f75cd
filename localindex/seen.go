package localindex

import (
	"errors"
	"fmt"
)

// MarkSeen records a reference identity for replay protection outside of
// Commit (e.g. when a reference is rejected before any message row exists).
func (x *Index) MarkSeen(contentRef, sender, recipient, txID string, seenAt int64) error {
	if contentRef == "" || sender == "" || recipient == "" {
		return errors.New("content ref, sender and recipient are required")
	}
	if seenAt == 0 {
		seenAt = nowUnixMilli()
	}

	_, err := x.db.Exec(
		`INSERT INTO seen_references (content_ref, sender, recipient, tx_id, seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_ref, sender, recipient) DO UPDATE SET seen_at = excluded.seen_at`,
		contentRef,
		sender,
		recipient,
		txID,
		seenAt,
	)
	if err != nil {
		return fmt.Errorf("mark reference seen %q: %w", contentRef, err)
	}

	return nil
}

// HasSeen reports whether a reference identity was already processed.
func (x *Index) HasSeen(contentRef, sender, recipient string) (bool, error) {
	if contentRef == "" || sender == "" || recipient == "" {
		return false, errors.New("content ref, sender and recipient are required")
	}

	var exists int
	if err := x.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_references WHERE content_ref = ? AND sender = ? AND recipient = ?)`,
		contentRef,
		sender,
		recipient,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen reference %q: %w", contentRef, err)
	}

	return exists == 1, nil
}

// PruneSeen removes seen-reference rows older than the cutoff timestamp.
func (x *Index) PruneSeen(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := x.db.Exec(`DELETE FROM seen_references WHERE seen_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen references: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen reference prune: %w", err)
	}

	return rowsAffected, nil
}
