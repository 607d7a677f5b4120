package lead

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/uniboxhq/unibox/internal/db"
)

// ErrNotFound is returned when no lead matches.
var ErrNotFound = errors.New("lead not found")

// DBService persists leads in PostgreSQL.
type DBService struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewDBService creates a lead store.
func NewDBService(log *slog.Logger, pool *pgxpool.Pool) *DBService {
	if log == nil {
		log = slog.Default()
	}
	return &DBService{
		db:     pool,
		logger: log.With(slog.String("service", "lead")),
	}
}

const leadColumns = `id, account_id, name, COALESCE(phone, ''), COALESCE(email, ''), source, fields, created_at, updated_at`

func scanLead(row pgx.Row) (Lead, error) {
	var (
		l      Lead
		id     pgtype.UUID
		acc    pgtype.UUID
		fields []byte
	)
	err := row.Scan(&id, &acc, &l.Name, &l.Phone, &l.Email, &l.Source, &fields, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lead{}, ErrNotFound
		}
		return Lead{}, err
	}
	l.ID = dbpkg.UUIDToString(id)
	l.AccountID = dbpkg.UUIDToString(acc)
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &l.Fields); err != nil {
			return Lead{}, fmt.Errorf("decode lead fields: %w", err)
		}
	}
	return l, nil
}

// Resolve implements the identity resolution order: exact channel identity
// first, then phone match, then a fresh lead.
func (s *DBService) Resolve(ctx context.Context, input ResolveInput) (Lead, bool, error) {
	pgAccount, err := dbpkg.ParseUUID(input.AccountID)
	if err != nil {
		return Lead{}, false, fmt.Errorf("invalid account id: %w", err)
	}
	key := strings.TrimSpace(input.ExternalContactKey)
	if key == "" {
		return Lead{}, false, fmt.Errorf("external contact key is required")
	}

	row := s.db.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads
		WHERE account_id = $1 AND source = $2 AND contact_key = $3`,
		pgAccount, input.Channel, key)
	found, err := scanLead(row)
	if err == nil {
		return found, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Lead{}, false, err
	}

	if phone := normalizePhone(input.Phone); phone != "" {
		row := s.db.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads
			WHERE account_id = $1 AND phone = $2 ORDER BY created_at LIMIT 1`,
			pgAccount, phone)
		found, err := scanLead(row)
		if err == nil {
			return found, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Lead{}, false, err
		}
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = key
	}
	row = s.db.QueryRow(ctx, `INSERT INTO leads (account_id, name, phone, email, source, contact_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+leadColumns,
		pgAccount, name, dbpkg.ToPgText(normalizePhone(input.Phone)), dbpkg.ToPgText(input.Email), input.Channel, key)
	created, err := scanLead(row)
	if err != nil {
		return Lead{}, false, fmt.Errorf("create lead: %w", err)
	}
	s.logger.Info("lead created",
		slog.String("account_id", input.AccountID),
		slog.String("lead_id", created.ID),
		slog.String("source", input.Channel))
	return created, true, nil
}

// Get returns one lead scoped to the account.
func (s *DBService) Get(ctx context.Context, accountID, leadID string) (Lead, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Lead{}, fmt.Errorf("invalid account id: %w", err)
	}
	pgLead, err := dbpkg.ParseUUID(leadID)
	if err != nil {
		return Lead{}, fmt.Errorf("invalid lead id: %w", err)
	}
	row := s.db.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1 AND account_id = $2`, pgLead, pgAccount)
	return scanLead(row)
}

// List returns leads for the account, newest first, optionally filtered by
// a name, phone or email substring.
func (s *DBService) List(ctx context.Context, accountID string, query string, limit, offset int) ([]Lead, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return nil, fmt.Errorf("invalid account id: %w", err)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args := []any{pgAccount, limit, max(offset, 0)}
	filter := ""
	if q := strings.TrimSpace(query); q != "" {
		filter = ` AND (name ILIKE $4 OR phone ILIKE $4 OR email ILIKE $4)`
		args = append(args, "%"+q+"%")
	}
	rows, err := s.db.Query(ctx, `SELECT `+leadColumns+` FROM leads
		WHERE account_id = $1`+filter+`
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Update patches the lead and bumps updated_at.
func (s *DBService) Update(ctx context.Context, accountID, leadID string, update UpdateInput) (Lead, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Lead{}, fmt.Errorf("invalid account id: %w", err)
	}
	pgLead, err := dbpkg.ParseUUID(leadID)
	if err != nil {
		return Lead{}, fmt.Errorf("invalid lead id: %w", err)
	}
	var fields []byte
	if update.Fields != nil {
		fields, err = json.Marshal(update.Fields)
		if err != nil {
			return Lead{}, fmt.Errorf("encode lead fields: %w", err)
		}
	}
	row := s.db.QueryRow(ctx, `UPDATE leads SET
			name = COALESCE($3, name),
			phone = COALESCE($4, phone),
			email = COALESCE($5, email),
			fields = COALESCE($6, fields),
			updated_at = now()
		WHERE id = $1 AND account_id = $2
		RETURNING `+leadColumns,
		pgLead, pgAccount, update.Name, update.Phone, update.Email, fields)
	return scanLead(row)
}

// FindByPhone matches a lead by normalized phone number.
func (s *DBService) FindByPhone(ctx context.Context, accountID, phone string) (Lead, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Lead{}, fmt.Errorf("invalid account id: %w", err)
	}
	normalized := normalizePhone(phone)
	if normalized == "" {
		return Lead{}, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads
		WHERE account_id = $1 AND phone = $2 ORDER BY created_at LIMIT 1`,
		pgAccount, normalized)
	return scanLead(row)
}

// normalizePhone strips formatting so numbers compare by digits. A
// leading plus is preserved.
func normalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var b strings.Builder
	for i, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
