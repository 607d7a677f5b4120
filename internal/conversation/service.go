package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uniboxhq/unibox/internal/channel"
	dbpkg "github.com/uniboxhq/unibox/internal/db"
)

// ErrNotFound is returned when no conversation or message matches.
var ErrNotFound = errors.New("conversation not found")

// DBService persists conversations, messages and media in PostgreSQL.
type DBService struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewDBService creates a conversation store.
func NewDBService(log *slog.Logger, pool *pgxpool.Pool) *DBService {
	if log == nil {
		log = slog.Default()
	}
	return &DBService{
		db:     pool,
		logger: log.With(slog.String("service", "conversation")),
	}
}

const conversationColumns = `id, account_id, channel, external_contact_key, lead_id, status,
	assigned_to_user_id, unread_count, metadata, last_message_at, created_at, updated_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c        Conversation
		id       pgtype.UUID
		acc      pgtype.UUID
		lead     pgtype.UUID
		assignee pgtype.UUID
		ch       string
		status   string
		metadata []byte
	)
	err := row.Scan(&id, &acc, &ch, &c.ExternalContactKey, &lead, &status,
		&assignee, &c.UnreadCount, &metadata, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, err
	}
	c.ID = dbpkg.UUIDToString(id)
	c.AccountID = dbpkg.UUIDToString(acc)
	c.LeadID = dbpkg.UUIDToString(lead)
	c.AssignedToUserID = dbpkg.UUIDToString(assignee)
	c.Channel = channel.ChannelType(ch)
	c.Status = Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return Conversation{}, fmt.Errorf("decode conversation metadata: %w", err)
		}
	}
	return c, nil
}

// ResolveOpen returns the open conversation for the contact key, creating
// one when none exists. The partial unique index on open conversations
// makes the insert race-safe: a concurrent insert loses the conflict and
// the follow-up select finds the winner's row.
func (s *DBService) ResolveOpen(ctx context.Context, accountID string, ch channel.ChannelType, contactKey, leadID string) (Conversation, bool, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("invalid account id: %w", err)
	}
	pgLead, err := dbpkg.ParseOptionalUUID(leadID)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("invalid lead id: %w", err)
	}
	contactKey = strings.TrimSpace(contactKey)
	if contactKey == "" {
		return Conversation{}, false, fmt.Errorf("external contact key is required")
	}

	row := s.db.QueryRow(ctx, `INSERT INTO conversations (account_id, channel, external_contact_key, lead_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, channel, external_contact_key) WHERE status = 'open' DO NOTHING
		RETURNING `+conversationColumns,
		pgAccount, ch.String(), contactKey, pgLead)
	created, err := scanConversation(row)
	if err == nil {
		s.logger.Info("conversation opened",
			slog.String("account_id", accountID),
			slog.String("conversation_id", created.ID),
			slog.String("channel", ch.String()))
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, false, err
	}

	row = s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE account_id = $1 AND channel = $2 AND external_contact_key = $3 AND status = 'open'`,
		pgAccount, ch.String(), contactKey)
	existing, err := scanConversation(row)
	if err != nil {
		return Conversation{}, false, err
	}
	return existing, false, nil
}

// Get returns one conversation scoped to the account.
func (s *DBService) Get(ctx context.Context, accountID, conversationID string) (Conversation, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid account id: %w", err)
	}
	pgConv, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	row := s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE id = $1 AND account_id = $2`, pgConv, pgAccount)
	return scanConversation(row)
}

// List returns conversations for the account ordered by most recent
// activity.
func (s *DBService) List(ctx context.Context, accountID string, filter ListFilter) ([]Conversation, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return nil, fmt.Errorf("invalid account id: %w", err)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + qualify(conversationColumns, "c") + ` FROM conversations c`
	args := []any{pgAccount}
	where := []string{"c.account_id = $1"}
	if q := strings.TrimSpace(filter.Query); q != "" {
		query += ` LEFT JOIN leads l ON l.id = c.lead_id`
		args = append(args, "%"+q+"%")
		where = append(where, fmt.Sprintf("(c.external_contact_key ILIKE $%d OR l.name ILIKE $%d)", len(args), len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("c.status = $%d", len(args)))
	}
	if filter.Channel != "" {
		args = append(args, filter.Channel.String())
		where = append(where, fmt.Sprintf("c.channel = $%d", len(args)))
	}
	if filter.AssignedToUserID != "" {
		pgAssignee, err := dbpkg.ParseUUID(filter.AssignedToUserID)
		if err != nil {
			return nil, fmt.Errorf("invalid assignee id: %w", err)
		}
		args = append(args, pgAssignee)
		where = append(where, fmt.Sprintf("c.assigned_to_user_id = $%d", len(args)))
	}
	args = append(args, limit, max(filter.Offset, 0))
	query += ` WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY c.last_message_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// Assign sets or clears the assignee.
func (s *DBService) Assign(ctx context.Context, accountID, conversationID, userID string) (Conversation, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid account id: %w", err)
	}
	pgConv, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	pgUser, err := dbpkg.ParseOptionalUUID(userID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid user id: %w", err)
	}
	row := s.db.QueryRow(ctx, `UPDATE conversations SET assigned_to_user_id = $3, updated_at = now()
		WHERE id = $1 AND account_id = $2
		RETURNING `+conversationColumns, pgConv, pgAccount, pgUser)
	return scanConversation(row)
}

// SetStatus moves the conversation to the given lifecycle state.
func (s *DBService) SetStatus(ctx context.Context, accountID, conversationID string, status Status) (Conversation, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid account id: %w", err)
	}
	pgConv, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	row := s.db.QueryRow(ctx, `UPDATE conversations SET status = $3, updated_at = now()
		WHERE id = $1 AND account_id = $2
		RETURNING `+conversationColumns, pgConv, pgAccount, string(status))
	return scanConversation(row)
}

// SetLead binds a lead to the conversation if none is set.
func (s *DBService) SetLead(ctx context.Context, accountID, conversationID, leadID string) error {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return fmt.Errorf("invalid account id: %w", err)
	}
	pgConv, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	pgLead, err := dbpkg.ParseUUID(leadID)
	if err != nil {
		return fmt.Errorf("invalid lead id: %w", err)
	}
	_, err = s.db.Exec(ctx, `UPDATE conversations SET lead_id = $3, updated_at = now()
		WHERE id = $1 AND account_id = $2 AND lead_id IS NULL`, pgConv, pgAccount, pgLead)
	return err
}

// TouchActivity bumps last_message_at and, for inbound traffic, the
// unread counter.
func (s *DBService) TouchActivity(ctx context.Context, accountID, conversationID string, at time.Time, inbound bool) error {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return fmt.Errorf("invalid account id: %w", err)
	}
	pgConv, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	increment := 0
	if inbound {
		increment = 1
	}
	_, err = s.db.Exec(ctx, `UPDATE conversations SET
			last_message_at = GREATEST(last_message_at, $3),
			unread_count = unread_count + $4,
			updated_at = now()
		WHERE id = $1 AND account_id = $2`, pgConv, pgAccount, dbpkg.ToPgTime(at), increment)
	return err
}

// MarkRead zeroes the unread counter.
func (s *DBService) MarkRead(ctx context.Context, accountID, conversationID string) error {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return fmt.Errorf("invalid account id: %w", err)
	}
	pgConv, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	_, err = s.db.Exec(ctx, `UPDATE conversations SET unread_count = 0, updated_at = now()
		WHERE id = $1 AND account_id = $2`, pgConv, pgAccount)
	return err
}
