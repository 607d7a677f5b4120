package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/uniboxhq/unibox/internal/channel"
	dbpkg "github.com/uniboxhq/unibox/internal/db"
)

const messageColumns = `id, account_id, conversation_id, direction, COALESCE(content, ''), status,
	COALESCE(status_reason, ''), COALESCE(external_message_id, ''), COALESCE(provider_message_id, ''),
	channel, created_at, updated_at`

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m    Message
		id   pgtype.UUID
		acc  pgtype.UUID
		conv pgtype.UUID
		dir  string
		st   string
		ch   string
	)
	err := row.Scan(&id, &acc, &conv, &dir, &m.Content, &st,
		&m.StatusReason, &m.ExternalMessageID, &m.ProviderMessageID,
		&ch, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	m.ID = dbpkg.UUIDToString(id)
	m.AccountID = dbpkg.UUIDToString(acc)
	m.ConversationID = dbpkg.UUIDToString(conv)
	m.Direction = Direction(dir)
	m.Status = DeliveryStatus(st)
	m.Channel = channel.ChannelType(ch)
	return m, nil
}

// InsertMessage writes one message row. Inserts that collide on the
// external message id are redeliveries: inserted is false and the
// original row is returned untouched.
func (s *DBService) InsertMessage(ctx context.Context, input InsertMessageInput) (Message, bool, error) {
	pgAccount, err := dbpkg.ParseUUID(input.AccountID)
	if err != nil {
		return Message{}, false, fmt.Errorf("invalid account id: %w", err)
	}
	pgConv, err := dbpkg.ParseUUID(input.ConversationID)
	if err != nil {
		return Message{}, false, fmt.Errorf("invalid conversation id: %w", err)
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := input.Status
	if status == "" {
		if input.Direction == DirectionInbound {
			status = StatusReceived
		} else {
			status = StatusQueued
		}
	}

	row := s.db.QueryRow(ctx, `INSERT INTO messages
			(account_id, conversation_id, direction, content, status, external_message_id, provider_message_id, channel, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, channel, external_message_id) WHERE external_message_id IS NOT NULL DO NOTHING
		RETURNING `+messageColumns,
		pgAccount, pgConv, string(input.Direction), dbpkg.ToPgText(input.Content), string(status),
		dbpkg.ToPgText(input.ExternalMessageID), dbpkg.ToPgText(input.ProviderMessageID),
		input.Channel.String(), createdAt)
	inserted, err := scanMessage(row)
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Message{}, false, err
	}

	row = s.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE account_id = $1 AND channel = $2 AND external_message_id = $3`,
		pgAccount, input.Channel.String(), input.ExternalMessageID)
	existing, err := scanMessage(row)
	if err != nil {
		return Message{}, false, err
	}
	s.logger.Debug("duplicate message dropped",
		slog.String("account_id", input.AccountID),
		slog.String("external_message_id", input.ExternalMessageID))
	return existing, false, nil
}

// GetMessage returns one message scoped to the account.
func (s *DBService) GetMessage(ctx context.Context, accountID, messageID string) (Message, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid account id: %w", err)
	}
	pgMsg, err := dbpkg.ParseUUID(messageID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid message id: %w", err)
	}
	row := s.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE id = $1 AND account_id = $2`, pgMsg, pgAccount)
	return scanMessage(row)
}

// ListMessages returns a page of a conversation's history, oldest first,
// with attachments populated.
func (s *DBService) ListMessages(ctx context.Context, accountID, conversationID string, limit, offset int) ([]Message, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return nil, fmt.Errorf("invalid account id: %w", err)
	}
	pgConv, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("invalid conversation id: %w", err)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND account_id = $2
		ORDER BY created_at, id LIMIT $3 OFFSET $4`,
		pgConv, pgAccount, limit, max(offset, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return s.attachMedia(ctx, out)
}

func (s *DBService) attachMedia(ctx context.Context, messages []Message) ([]Message, error) {
	if len(messages) == 0 {
		return messages, nil
	}
	ids := make([]pgtype.UUID, 0, len(messages))
	index := map[string]int{}
	for i, m := range messages {
		pgID, err := dbpkg.ParseUUID(m.ID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, pgID)
		index[m.ID] = i
	}
	rows, err := s.db.Query(ctx, `SELECT id, message_id, kind, url, mime, file_name, size_bytes, created_at
		FROM media_files WHERE message_id = ANY($1) ORDER BY created_at`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			mf    MediaFile
			id    pgtype.UUID
			msgID pgtype.UUID
		)
		if err := rows.Scan(&id, &msgID, &mf.Kind, &mf.URL, &mf.MIME, &mf.FileName, &mf.SizeBytes, &mf.CreatedAt); err != nil {
			return nil, err
		}
		mf.ID = dbpkg.UUIDToString(id)
		mf.MessageID = dbpkg.UUIDToString(msgID)
		if i, ok := index[mf.MessageID]; ok {
			messages[i].Media = append(messages[i].Media, mf)
		}
	}
	return messages, rows.Err()
}

// AddMedia records a stored attachment for a message.
func (s *DBService) AddMedia(ctx context.Context, accountID, messageID string, mf MediaFile) (MediaFile, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return MediaFile{}, fmt.Errorf("invalid account id: %w", err)
	}
	pgMsg, err := dbpkg.ParseUUID(messageID)
	if err != nil {
		return MediaFile{}, fmt.Errorf("invalid message id: %w", err)
	}
	row := s.db.QueryRow(ctx, `INSERT INTO media_files (account_id, message_id, kind, url, mime, file_name, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		pgAccount, pgMsg, mf.Kind, mf.URL, mf.MIME, mf.FileName, mf.SizeBytes)
	var id pgtype.UUID
	if err := row.Scan(&id, &mf.CreatedAt); err != nil {
		return MediaFile{}, err
	}
	mf.ID = dbpkg.UUIDToString(id)
	mf.MessageID = messageID
	return mf, nil
}

// SetProviderMessageID records the provider id assigned on send.
func (s *DBService) SetProviderMessageID(ctx context.Context, accountID, messageID, providerMessageID string) error {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return fmt.Errorf("invalid account id: %w", err)
	}
	pgMsg, err := dbpkg.ParseUUID(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}
	_, err = s.db.Exec(ctx, `UPDATE messages SET provider_message_id = $3, updated_at = now()
		WHERE id = $1 AND account_id = $2`, pgMsg, pgAccount, dbpkg.ToPgText(providerMessageID))
	return err
}

// deliveryRankSQL mirrors Advances for the in-database monotonic guard.
const deliveryRankSQL = `CASE status
	WHEN 'queued' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 100 END`

const targetRankSQL = `CASE $3
	WHEN 'queued' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 100 END`

// UpdateMessageStatus advances a message along the delivery ladder.
// Regressions and repeats are ignored; a message already delivered or
// read never moves to failed. Returns the message and whether a row
// changed.
func (s *DBService) UpdateMessageStatus(ctx context.Context, accountID, messageID string, status DeliveryStatus, reason string) (Message, bool, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Message{}, false, fmt.Errorf("invalid account id: %w", err)
	}
	pgMsg, err := dbpkg.ParseUUID(messageID)
	if err != nil {
		return Message{}, false, fmt.Errorf("invalid message id: %w", err)
	}

	var guard string
	if status == StatusFailed {
		guard = `status IN ('queued', 'sent')`
	} else {
		guard = deliveryRankSQL + ` < ` + targetRankSQL + ` AND status NOT IN ('failed', 'received')`
	}
	row := s.db.QueryRow(ctx, `UPDATE messages SET status = $3, status_reason = $4, updated_at = now()
		WHERE id = $1 AND account_id = $2 AND `+guard+`
		RETURNING `+messageColumns,
		pgMsg, pgAccount, string(status), dbpkg.ToPgText(reason))
	updated, err := scanMessage(row)
	if err == nil {
		return updated, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Message{}, false, err
	}

	// Guard blocked the update or the message is unknown.
	current, err := s.GetMessage(ctx, accountID, messageID)
	if err != nil {
		return Message{}, false, err
	}
	return current, false, nil
}

// FindMessageByProviderID resolves a delivery callback to its message.
func (s *DBService) FindMessageByProviderID(ctx context.Context, accountID string, ch channel.ChannelType, providerMessageID string) (Message, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid account id: %w", err)
	}
	if providerMessageID == "" {
		return Message{}, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE account_id = $1 AND channel = $2 AND provider_message_id = $3`,
		pgAccount, ch.String(), providerMessageID)
	return scanMessage(row)
}
