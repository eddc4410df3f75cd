package localindex

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chainchat/models"
)

// Commit is the single atomic write path for a message and its delivery
// record. In one transaction it upserts the immutable message row, writes
// the delivery record, and marks the reference seen.
//
// Once a terminal record exists for (message, observer), a later Commit for
// the same pair is a no-op: the first terminal state wins. Concurrent
// commits for distinct messages proceed independently.
func (x *Index) Commit(message models.Message, record models.DeliveryRecord) error {
	if message.ID == "" {
		return errors.New("message id is required")
	}
	if record.MessageID != message.ID {
		return fmt.Errorf("delivery record message id %q does not match message %q", record.MessageID, message.ID)
	}
	if record.Observer == "" {
		return errors.New("delivery record observer is required")
	}
	if !models.ValidDeliveryState(record.State) {
		return fmt.Errorf("invalid delivery state %q", record.State)
	}
	if record.CommittedAt == 0 {
		record.CommittedAt = nowUnixMilli()
	}

	envelope, err := json.Marshal(message.KeyEnvelope)
	if err != nil {
		return fmt.Errorf("encode key envelope: %w", err)
	}

	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("begin commit transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existingState string
	err = tx.QueryRow(
		`SELECT state FROM delivery_records WHERE message_id = ? AND observer = ?`,
		message.ID,
		record.Observer,
	).Scan(&existingState)
	switch {
	case err == nil:
		if models.DeliveryState(existingState).Terminal() {
			return nil
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("read existing delivery record: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO messages (id, sender, recipient, content_ref, key_envelope, signature, payment_ref, timestamp_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		message.ID,
		message.Sender,
		message.Recipient,
		message.ContentRef,
		string(envelope),
		message.Signature,
		nullEmpty(message.PaymentRef),
		message.TimestampSent,
	); err != nil {
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO delivery_records (message_id, observer, state, delivered, read, failure_reason, sequence_number, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, observer) DO UPDATE SET
			state = excluded.state,
			delivered = excluded.delivered,
			read = excluded.read,
			failure_reason = excluded.failure_reason,
			sequence_number = excluded.sequence_number,
			committed_at = excluded.committed_at`,
		record.MessageID,
		record.Observer,
		string(record.State),
		boolInt(record.Delivered),
		boolInt(record.Read),
		record.FailureReason,
		int64(record.SequenceNumber),
		record.CommittedAt,
	); err != nil {
		return fmt.Errorf("write delivery record for %q: %w", record.MessageID, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO seen_references (content_ref, sender, recipient, tx_id, seen_at)
		VALUES (?, ?, ?, '', ?)
		ON CONFLICT(content_ref, sender, recipient) DO NOTHING`,
		message.ContentRef,
		message.Sender,
		message.Recipient,
		record.CommittedAt,
	); err != nil {
		return fmt.Errorf("mark reference seen for %q: %w", message.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction for %q: %w", message.ID, err)
	}

	return nil
}

// Filter narrows Query results. Zero fields are ignored.
type Filter struct {
	Sender        string
	Recipient     string
	FromTimestamp int64
	ToTimestamp   int64
	Limit         int
	Offset        int
}

// Query returns messages matching the filter, newest first.
func (x *Index) Query(filter Filter) ([]models.Message, error) {
	query := `SELECT id, sender, recipient, content_ref, key_envelope, signature, payment_ref, timestamp_sent
		FROM messages WHERE 1=1`
	args := make([]any, 0, 6)

	if filter.Sender != "" {
		query += " AND sender = ?"
		args = append(args, filter.Sender)
	}
	if filter.Recipient != "" {
		query += " AND recipient = ?"
		args = append(args, filter.Recipient)
	}
	if filter.FromTimestamp > 0 {
		query += " AND timestamp_sent >= ?"
		args = append(args, filter.FromTimestamp)
	}
	if filter.ToTimestamp > 0 {
		query += " AND timestamp_sent <= ?"
		args = append(args, filter.ToTimestamp)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query += " ORDER BY timestamp_sent DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// GetMessage fetches one message by ID.
func (x *Index) GetMessage(messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message id is required")
	}

	row := x.db.QueryRow(
		`SELECT id, sender, recipient, content_ref, key_envelope, signature, payment_ref, timestamp_sent
		FROM messages WHERE id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// GetDeliveryRecord fetches the delivery record for a (message, observer) pair.
func (x *Index) GetDeliveryRecord(messageID, observer string) (*models.DeliveryRecord, error) {
	if messageID == "" {
		return nil, errors.New("message id is required")
	}
	if observer == "" {
		return nil, errors.New("observer is required")
	}

	var (
		record    models.DeliveryRecord
		state     string
		delivered int
		read      int
		seq       int64
	)
	err := x.db.QueryRow(
		`SELECT message_id, observer, state, delivered, read, failure_reason, sequence_number, committed_at
		FROM delivery_records WHERE message_id = ? AND observer = ?`,
		messageID,
		observer,
	).Scan(&record.MessageID, &record.Observer, &state, &delivered, &read, &record.FailureReason, &seq, &record.CommittedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get delivery record %q/%q: %w", messageID, observer, err)
	}

	record.State = models.DeliveryState(state)
	record.Delivered = delivered == 1
	record.Read = read == 1
	record.SequenceNumber = uint64(seq)
	return &record, nil
}

// MarkRead sets the read flag on a delivered record.
func (x *Index) MarkRead(messageID, observer string) error {
	if messageID == "" {
		return errors.New("message id is required")
	}
	if observer == "" {
		return errors.New("observer is required")
	}

	res, err := x.db.Exec(
		`UPDATE delivery_records SET read = 1
		WHERE message_id = ? AND observer = ? AND delivered = 1`,
		messageID,
		observer,
	)
	if err != nil {
		return fmt.Errorf("mark read %q/%q: %w", messageID, observer, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for mark read %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// ClearRejection removes a rejected delivery record and its seen marker so
// the reference can be reprocessed as a fresh attempt. Only rejected records
// may be cleared.
func (x *Index) ClearRejection(messageID, observer string) error {
	record, err := x.GetDeliveryRecord(messageID, observer)
	if err != nil {
		return err
	}
	if record.State != models.DeliveryRejected {
		return fmt.Errorf("delivery record %q/%q is %q, not rejected", messageID, observer, record.State)
	}

	message, err := x.GetMessage(messageID)
	if err != nil {
		return err
	}

	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`DELETE FROM delivery_records WHERE message_id = ? AND observer = ?`,
		messageID, observer,
	); err != nil {
		return fmt.Errorf("delete rejected record %q: %w", messageID, err)
	}
	if _, err := tx.Exec(
		`DELETE FROM seen_references WHERE content_ref = ? AND sender = ? AND recipient = ?`,
		message.ContentRef, message.Sender, message.Recipient,
	); err != nil {
		return fmt.Errorf("delete seen marker for %q: %w", messageID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear transaction for %q: %w", messageID, err)
	}

	return nil
}

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var (
		message    models.Message
		envelope   string
		paymentRef sql.NullString
	)

	if err := row.Scan(
		&message.ID,
		&message.Sender,
		&message.Recipient,
		&message.ContentRef,
		&envelope,
		&message.Signature,
		&paymentRef,
		&message.TimestampSent,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(envelope), &message.KeyEnvelope); err != nil {
		return nil, fmt.Errorf("decode key envelope: %w", err)
	}
	if paymentRef.Valid {
		message.PaymentRef = paymentRef.String
	}

	return &message, nil
}

func nullEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
