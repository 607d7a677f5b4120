package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/uniboxhq/unibox/internal/db"
)

// DBService persists calls in PostgreSQL.
type DBService struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewDBService creates a call store.
func NewDBService(log *slog.Logger, pool *pgxpool.Pool) *DBService {
	if log == nil {
		log = slog.Default()
	}
	return &DBService{
		db:     pool,
		logger: log.With(slog.String("service", "call_store")),
	}
}

const callColumns = `c.id, c.account_id, c.pbx_channel_id, c.phone_number, c.direction, c.status,
	c.lead_id, c.conversation_id, COALESCE(c.recording_name, ''), c.recording_unavailable,
	COALESCE(r.url, ''), c.started_at, c.answered_at, c.ended_at, c.duration_seconds,
	c.created_at, c.updated_at`

const callFrom = ` FROM calls c LEFT JOIN recordings r ON r.call_id = c.id`

func scanCall(row pgx.Row) (Call, error) {
	var (
		call       Call
		id         pgtype.UUID
		acc        pgtype.UUID
		leadID     pgtype.UUID
		convID     pgtype.UUID
		direction  string
		status     string
		answeredAt pgtype.Timestamptz
		endedAt    pgtype.Timestamptz
	)
	err := row.Scan(&id, &acc, &call.PBXChannelID, &call.PhoneNumber, &direction, &status,
		&leadID, &convID, &call.RecordingName, &call.RecordingUnavailable,
		&call.RecordingURL, &call.StartedAt, &answeredAt, &endedAt, &call.DurationSeconds,
		&call.CreatedAt, &call.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Call{}, ErrCallNotFound
		}
		return Call{}, err
	}
	call.ID = dbpkg.UUIDToString(id)
	call.AccountID = dbpkg.UUIDToString(acc)
	call.LeadID = dbpkg.UUIDToString(leadID)
	call.ConversationID = dbpkg.UUIDToString(convID)
	call.Direction = Direction(direction)
	call.Status = Status(status)
	call.AnsweredAt = dbpkg.TimeOrZero(answeredAt)
	call.EndedAt = dbpkg.TimeOrZero(endedAt)
	return call, nil
}

// CreateRinging inserts the call row; a replayed start event collides on
// the PBX channel unique index and returns the original row.
func (s *DBService) CreateRinging(ctx context.Context, input CreateCallInput) (Call, bool, error) {
	pgAccount, err := dbpkg.ParseUUID(input.AccountID)
	if err != nil {
		return Call{}, false, fmt.Errorf("invalid account id: %w", err)
	}
	pgLead, err := dbpkg.ParseOptionalUUID(input.LeadID)
	if err != nil {
		return Call{}, false, fmt.Errorf("invalid lead id: %w", err)
	}
	pgConv, err := dbpkg.ParseOptionalUUID(input.ConversationID)
	if err != nil {
		return Call{}, false, fmt.Errorf("invalid conversation id: %w", err)
	}
	if strings.TrimSpace(input.PBXChannelID) == "" {
		return Call{}, false, fmt.Errorf("pbx channel id is required")
	}
	startedAt := input.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	var newID pgtype.UUID
	err = s.db.QueryRow(ctx, `INSERT INTO calls
			(account_id, pbx_channel_id, phone_number, direction, lead_id, conversation_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, pbx_channel_id) DO NOTHING
		RETURNING id`,
		pgAccount, input.PBXChannelID, input.PhoneNumber, string(input.Direction), pgLead, pgConv, startedAt).Scan(&newID)
	if err == nil {
		call, err := s.Get(ctx, input.AccountID, dbpkg.UUIDToString(newID))
		if err != nil {
			return Call{}, false, err
		}
		return call, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Call{}, false, fmt.Errorf("create call: %w", err)
	}

	// Replayed start event; hand back the existing row.
	call, err := s.FindByPBXChannel(ctx, input.AccountID, input.PBXChannelID)
	if err != nil {
		return Call{}, false, err
	}
	return call, false, nil
}

// Transition applies one state machine step inside the database. The
// WHERE clause names the valid source states, so a concurrent or late
// event simply matches no row.
func (s *DBService) Transition(ctx context.Context, accountID, callID string, to Status, at time.Time) (Call, bool, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Call{}, false, fmt.Errorf("invalid account id: %w", err)
	}
	pgCall, err := dbpkg.ParseUUID(callID)
	if err != nil {
		return Call{}, false, fmt.Errorf("invalid call id: %w", err)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var set, from string
	switch to {
	case StatusAnswered:
		set = `status = 'answered', answered_at = $3`
		from = `'ringing'`
	case StatusCompleted:
		set = `status = 'completed', ended_at = $3,
			duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($3::timestamptz - answered_at))::int)`
		from = `'answered'`
	case StatusFailed:
		set = `status = 'failed', ended_at = $3`
		from = `'ringing'`
	case StatusCancelled:
		set = `status = 'cancelled', ended_at = $3,
			duration_seconds = CASE WHEN answered_at IS NULL THEN 0
				ELSE GREATEST(0, EXTRACT(EPOCH FROM ($3::timestamptz - answered_at))::int) END`
		from = `'ringing', 'answered'`
	default:
		return Call{}, false, fmt.Errorf("invalid target status %q", to)
	}

	tag, err := s.db.Exec(ctx, `UPDATE calls SET `+set+`, updated_at = now()
		WHERE id = $1 AND account_id = $2 AND status IN (`+from+`)`,
		pgCall, pgAccount, at)
	if err != nil {
		return Call{}, false, err
	}
	call, err := s.Get(ctx, accountID, callID)
	if err != nil {
		return Call{}, false, err
	}
	return call, tag.RowsAffected() > 0, nil
}

// FindByPBXChannel resolves a PBX event to its call.
func (s *DBService) FindByPBXChannel(ctx context.Context, accountID, pbxChannelID string) (Call, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Call{}, fmt.Errorf("invalid account id: %w", err)
	}
	row := s.db.QueryRow(ctx, `SELECT `+callColumns+callFrom+`
		WHERE c.account_id = $1 AND c.pbx_channel_id = $2`, pgAccount, pbxChannelID)
	return scanCall(row)
}

// Get returns one call scoped to the account.
func (s *DBService) Get(ctx context.Context, accountID, callID string) (Call, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Call{}, fmt.Errorf("invalid account id: %w", err)
	}
	pgCall, err := dbpkg.ParseUUID(callID)
	if err != nil {
		return Call{}, fmt.Errorf("invalid call id: %w", err)
	}
	row := s.db.QueryRow(ctx, `SELECT `+callColumns+callFrom+`
		WHERE c.id = $1 AND c.account_id = $2`, pgCall, pgAccount)
	return scanCall(row)
}

// List returns calls for the account, newest first.
func (s *DBService) List(ctx context.Context, accountID string, filter CallFilter) ([]Call, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return nil, fmt.Errorf("invalid account id: %w", err)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args := []any{pgAccount}
	where := []string{"c.account_id = $1"}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("c.status = $%d", len(args)))
	}
	if filter.Direction != "" {
		args = append(args, string(filter.Direction))
		where = append(where, fmt.Sprintf("c.direction = $%d", len(args)))
	}
	if filter.LeadID != "" {
		pgLead, err := dbpkg.ParseUUID(filter.LeadID)
		if err != nil {
			return nil, fmt.Errorf("invalid lead id: %w", err)
		}
		args = append(args, pgLead)
		where = append(where, fmt.Sprintf("c.lead_id = $%d", len(args)))
	}
	args = append(args, limit, max(filter.Offset, 0))
	rows, err := s.db.Query(ctx, `SELECT `+callColumns+callFrom+`
		WHERE `+strings.Join(where, " AND ")+
		fmt.Sprintf(` ORDER BY c.started_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, call)
	}
	return out, rows.Err()
}

// SetRecordingName records which stored recording belongs to the call.
func (s *DBService) SetRecordingName(ctx context.Context, accountID, callID, name string) error {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return fmt.Errorf("invalid account id: %w", err)
	}
	pgCall, err := dbpkg.ParseUUID(callID)
	if err != nil {
		return fmt.Errorf("invalid call id: %w", err)
	}
	_, err = s.db.Exec(ctx, `UPDATE calls SET recording_name = $3, updated_at = now()
		WHERE id = $1 AND account_id = $2`, pgCall, pgAccount, dbpkg.ToPgText(name))
	return err
}

// AttachRecording stores the recording URL for the call.
func (s *DBService) AttachRecording(ctx context.Context, accountID, callID, url string, durationSeconds int) error {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return fmt.Errorf("invalid account id: %w", err)
	}
	pgCall, err := dbpkg.ParseUUID(callID)
	if err != nil {
		return fmt.Errorf("invalid call id: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO recordings (call_id, url, duration_seconds)
		SELECT id, $3, $4 FROM calls WHERE id = $1 AND account_id = $2
		ON CONFLICT (call_id) DO UPDATE SET url = EXCLUDED.url, duration_seconds = EXCLUDED.duration_seconds`,
		pgCall, pgAccount, url, durationSeconds)
	return err
}

// MarkRecordingUnavailable flags the call after the retry budget ran out.
func (s *DBService) MarkRecordingUnavailable(ctx context.Context, accountID, callID string) error {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return fmt.Errorf("invalid account id: %w", err)
	}
	pgCall, err := dbpkg.ParseUUID(callID)
	if err != nil {
		return fmt.Errorf("invalid call id: %w", err)
	}
	_, err = s.db.Exec(ctx, `UPDATE calls SET recording_unavailable = TRUE, updated_at = now()
		WHERE id = $1 AND account_id = $2`, pgCall, pgAccount)
	return err
}

// ListStaleRinging returns ringing calls not updated since the cutoff.
func (s *DBService) ListStaleRinging(ctx context.Context, cutoff time.Time) ([]Call, error) {
	rows, err := s.db.Query(ctx, `SELECT `+callColumns+callFrom+`
		WHERE c.status = 'ringing' AND c.updated_at < $1
		ORDER BY c.updated_at LIMIT 500`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, call)
	}
	return out, rows.Err()
}
