// Package integration manages channel integrations and their encrypted
// credentials.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uniboxhq/unibox/internal/channel"
	dbpkg "github.com/uniboxhq/unibox/internal/db"
)

// ErrNotFound is returned when no integration matches.
var ErrNotFound = errors.New("integration not found")

// UpsertInput creates or replaces the account's integration for a
// channel.
type UpsertInput struct {
	AccountID   string
	Channel     channel.ChannelType
	Credentials map[string]string
	Settings    map[string]any
}

// DBService persists integrations. Credentials are sealed before they
// touch the database and opened on every read, so the rest of the system
// only ever sees plaintext maps.
type DBService struct {
	db     *pgxpool.Pool
	cipher *Cipher
	logger *slog.Logger
}

// NewDBService creates an integration store.
func NewDBService(log *slog.Logger, pool *pgxpool.Pool, cipher *Cipher) *DBService {
	if log == nil {
		log = slog.Default()
	}
	return &DBService{
		db:     pool,
		cipher: cipher,
		logger: log.With(slog.String("service", "integration")),
	}
}

const integrationColumns = `id, account_id, channel, credentials, settings, status, COALESCE(status_note, '')`

func (s *DBService) scan(row pgx.Row) (channel.Integration, error) {
	var (
		integ    channel.Integration
		id       pgtype.UUID
		acc      pgtype.UUID
		ch       string
		blob     []byte
		settings []byte
		status   string
	)
	err := row.Scan(&id, &acc, &ch, &blob, &settings, &status, &integ.StatusNote)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return channel.Integration{}, ErrNotFound
		}
		return channel.Integration{}, err
	}
	integ.ID = dbpkg.UUIDToString(id)
	integ.AccountID = dbpkg.UUIDToString(acc)
	integ.Channel = channel.ChannelType(ch)
	integ.Status = channel.IntegrationStatus(status)
	integ.Credentials, err = s.cipher.DecryptCredentials(blob)
	if err != nil {
		return channel.Integration{}, fmt.Errorf("integration %s: %w", integ.ID, err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &integ.Settings); err != nil {
			return channel.Integration{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	return integ, nil
}

// Upsert creates the integration or replaces credentials and settings of
// the existing one. One integration per channel per account.
func (s *DBService) Upsert(ctx context.Context, input UpsertInput) (channel.Integration, error) {
	pgAccount, err := dbpkg.ParseUUID(input.AccountID)
	if err != nil {
		return channel.Integration{}, fmt.Errorf("invalid account id: %w", err)
	}
	blob, err := s.cipher.EncryptCredentials(input.Credentials)
	if err != nil {
		return channel.Integration{}, fmt.Errorf("seal credentials: %w", err)
	}
	settings := input.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	rawSettings, err := json.Marshal(settings)
	if err != nil {
		return channel.Integration{}, fmt.Errorf("encode settings: %w", err)
	}

	row := s.db.QueryRow(ctx, `INSERT INTO integrations (account_id, channel, credentials, settings)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, channel) DO UPDATE SET
			credentials = EXCLUDED.credentials,
			settings = EXCLUDED.settings,
			status = 'active',
			status_note = NULL,
			updated_at = now()
		RETURNING `+integrationColumns,
		pgAccount, input.Channel.String(), blob, rawSettings)
	integ, err := s.scan(row)
	if err != nil {
		return channel.Integration{}, err
	}
	s.logger.Info("integration upserted",
		slog.String("account_id", input.AccountID),
		slog.String("channel", input.Channel.String()),
		slog.String("integration_id", integ.ID))
	return integ, nil
}

// Get returns one integration scoped to the account.
func (s *DBService) Get(ctx context.Context, accountID, integrationID string) (channel.Integration, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return channel.Integration{}, fmt.Errorf("invalid account id: %w", err)
	}
	pgInteg, err := dbpkg.ParseUUID(integrationID)
	if err != nil {
		return channel.Integration{}, fmt.Errorf("invalid integration id: %w", err)
	}
	row := s.db.QueryRow(ctx, `SELECT `+integrationColumns+` FROM integrations
		WHERE id = $1 AND account_id = $2`, pgInteg, pgAccount)
	return s.scan(row)
}

// GetByID returns one integration without account scoping. Webhook URLs
// carry only the integration id; the tenant comes from the stored row.
func (s *DBService) GetByID(ctx context.Context, integrationID string) (channel.Integration, error) {
	pgInteg, err := dbpkg.ParseUUID(integrationID)
	if err != nil {
		return channel.Integration{}, fmt.Errorf("invalid integration id: %w", err)
	}
	row := s.db.QueryRow(ctx, `SELECT `+integrationColumns+` FROM integrations
		WHERE id = $1`, pgInteg)
	return s.scan(row)
}

// List returns all integrations of one account.
func (s *DBService) List(ctx context.Context, accountID string) ([]channel.Integration, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return nil, fmt.Errorf("invalid account id: %w", err)
	}
	rows, err := s.db.Query(ctx, `SELECT `+integrationColumns+` FROM integrations
		WHERE account_id = $1 ORDER BY channel`, pgAccount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collect(rows)
}

// GetActiveForAccount returns the account's active integration for the
// channel. The dispatcher and webhook router use this.
func (s *DBService) GetActiveForAccount(ctx context.Context, accountID string, ch channel.ChannelType) (channel.Integration, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return channel.Integration{}, fmt.Errorf("invalid account id: %w", err)
	}
	row := s.db.QueryRow(ctx, `SELECT `+integrationColumns+` FROM integrations
		WHERE account_id = $1 AND channel = $2 AND status = 'active'`, pgAccount, ch.String())
	return s.scan(row)
}

// ListByChannel returns every account's integration for the channel,
// including ones currently in error. The probe job uses this so a
// recovered provider clears its error status again.
func (s *DBService) ListByChannel(ctx context.Context, ch channel.ChannelType) ([]channel.Integration, error) {
	rows, err := s.db.Query(ctx, `SELECT `+integrationColumns+` FROM integrations
		WHERE channel = $1 AND status <> 'disabled' ORDER BY created_at`, ch.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collect(rows)
}

// ListActiveByChannel returns every account's active integration for the
// channel. The telephony manager uses this to open PBX connections.
func (s *DBService) ListActiveByChannel(ctx context.Context, ch channel.ChannelType) ([]channel.Integration, error) {
	rows, err := s.db.Query(ctx, `SELECT `+integrationColumns+` FROM integrations
		WHERE channel = $1 AND status = 'active' ORDER BY created_at`, ch.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collect(rows)
}

func (s *DBService) collect(rows pgx.Rows) ([]channel.Integration, error) {
	var out []channel.Integration
	for rows.Next() {
		integ, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, integ)
	}
	return out, rows.Err()
}

// SetStatus moves the integration between active, disabled and error.
func (s *DBService) SetStatus(ctx context.Context, accountID, integrationID string, status channel.IntegrationStatus, note string) error {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return fmt.Errorf("invalid account id: %w", err)
	}
	pgInteg, err := dbpkg.ParseUUID(integrationID)
	if err != nil {
		return fmt.Errorf("invalid integration id: %w", err)
	}
	tag, err := s.db.Exec(ctx, `UPDATE integrations SET status = $3, status_note = $4, updated_at = now()
		WHERE id = $1 AND account_id = $2`, pgInteg, pgAccount, string(status), dbpkg.ToPgText(note))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the integration. Conversations and messages survive;
// only the connection goes away.
func (s *DBService) Delete(ctx context.Context, accountID, integrationID string) error {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return fmt.Errorf("invalid account id: %w", err)
	}
	pgInteg, err := dbpkg.ParseUUID(integrationID)
	if err != nil {
		return fmt.Errorf("invalid integration id: %w", err)
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM integrations WHERE id = $1 AND account_id = $2`, pgInteg, pgAccount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
