package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrAccountNotFound = errors.New("account not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account Account) error {
	state := account.State
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, display_name, password_hash, is_email_verified, state)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, account.ID, account.Email, account.DisplayName, account.PasswordHash, account.IsEmailVerified, string(state))
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	return s.getAccount(ctx, `WHERE email=$1`, email)
}

func (s *PostgresStore) GetAccountByID(ctx context.Context, accountID string) (Account, error) {
	return s.getAccount(ctx, `WHERE id=$1`, accountID)
}

func (s *PostgresStore) getAccount(ctx context.Context, where string, arg any) (Account, error) {
	var account Account
	var state []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, is_email_verified,
			COALESCE(verification_token, ''), verification_expires_at,
			state, state_updated_at, last_active_at, created_at
		FROM accounts `+where, arg).Scan(
		&account.ID,
		&account.Email,
		&account.DisplayName,
		&account.PasswordHash,
		&account.IsEmailVerified,
		&account.VerificationToken,
		&account.VerificationExpiresAt,
		&state,
		&account.StateUpdatedAt,
		&account.LastActiveAt,
		&account.CreatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	account.State = state
	return account, nil
}

func (s *PostgresStore) UpdateAccountVerificationToken(ctx context.Context, accountID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET verification_token=$2, verification_expires_at=$3 WHERE id=$1
	`, accountID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyAccountEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify account email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify account email rows: %w", err)
	}
	if affected == 0 {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

func (s *PostgresStore) UpdateAccountPassword(ctx context.Context, accountID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET password_hash=$2 WHERE id=$1`, accountID, passwordHash)
	if err != nil {
		return fmt.Errorf("update account password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, accountID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, account_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, accountID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&accountID)
	if err != nil {
		return "", err
	}
	return accountID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// SaveRefreshSession persists a refresh token. The email is recoverable
// through the accounts join on lookup, so only the hash mapping is stored.
func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, accountID, email string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, account_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET account_id=EXCLUDED.account_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, accountID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (Account, error) {
	const query = `
		SELECT a.id, a.email, a.display_name
		FROM refresh_sessions rs
		JOIN accounts a ON a.id = rs.account_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var account Account
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&account.ID, &account.Email, &account.DisplayName)
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) ListDevices(ctx context.Context, accountID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, id, display_name, platform, model, app_version, active, first_seen_at, last_active_at, revoked_at
		FROM devices
		WHERE account_id=$1
		ORDER BY active DESC, last_active_at DESC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	items := make([]Device, 0)
	for rows.Next() {
		var item Device
		if err := rows.Scan(
			&item.AccountID,
			&item.ID,
			&item.DisplayName,
			&item.Platform,
			&item.Model,
			&item.AppVersion,
			&item.Active,
			&item.FirstSeenAt,
			&item.LastActiveAt,
			&item.RevokedAt,
		); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return items, nil
}

// PullQueue returns unacknowledged entries for one device, high priority
// first, oldest first within a priority.
func (s *PostgresStore) PullQueue(ctx context.Context, accountID, deviceID string, limit int) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, device_id, entry_type, operations, priority, processed, processed_at, created_at
		FROM sync_queue
		WHERE account_id=$1 AND device_id=$2 AND processed=FALSE
		ORDER BY CASE priority WHEN 'high' THEN 0 ELSE 1 END, created_at ASC
		LIMIT $3
	`, accountID, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("pull queue: %w", err)
	}
	defer rows.Close()
	return scanQueueEntries(rows)
}

// QueueEntriesSince reads entries created after the watermark, ascending, so
// an interrupted sync can resume without replaying full history.
func (s *PostgresStore) QueueEntriesSince(ctx context.Context, accountID, deviceID string, since time.Time, limit int) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, device_id, entry_type, operations, priority, processed, processed_at, created_at
		FROM sync_queue
		WHERE account_id=$1 AND device_id=$2 AND created_at > $3
		ORDER BY created_at ASC
		LIMIT $4
	`, accountID, deviceID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("queue entries since: %w", err)
	}
	defer rows.Close()
	return scanQueueEntries(rows)
}

func scanQueueEntries(rows *sql.Rows) ([]QueueEntry, error) {
	items := make([]QueueEntry, 0)
	for rows.Next() {
		var item QueueEntry
		var operations []byte
		if err := rows.Scan(
			&item.ID,
			&item.AccountID,
			&item.DeviceID,
			&item.Type,
			&operations,
			&item.Priority,
			&item.Processed,
			&item.ProcessedAt,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		item.Operations = operations
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return items, nil
}

// MarkQueueProcessed acknowledges consumed entries. Scoped by account and
// device so one device cannot ack another's entries.
func (s *PostgresStore) MarkQueueProcessed(ctx context.Context, accountID, deviceID string, entryIDs []string) (int, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}
	marked := 0
	for _, entryID := range entryIDs {
		result, err := s.db.ExecContext(ctx, `
			UPDATE sync_queue SET processed=TRUE, processed_at=NOW()
			WHERE id=$1 AND account_id=$2 AND device_id=$3 AND processed=FALSE
		`, entryID, accountID, deviceID)
		if err != nil {
			return marked, fmt.Errorf("mark queue entry processed: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return marked, fmt.Errorf("mark queue entry rows: %w", err)
		}
		marked += int(affected)
	}
	return marked, nil
}

func (s *PostgresStore) ListConflicts(ctx context.Context, accountID, status string) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, device_id, collection, document_id, conflict_type,
			client_data, server_data, client_timestamp, server_timestamp,
			status, resolution_strategy, final_data, created_at, resolved_at
		FROM sync_conflicts
		WHERE account_id=$1 AND ($2='' OR status=$2)
		ORDER BY created_at DESC
	`, accountID, status)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	items := make([]Conflict, 0)
	for rows.Next() {
		item, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(row rowScanner) (Conflict, error) {
	var item Conflict
	var clientData, serverData, finalData []byte
	err := row.Scan(
		&item.ID,
		&item.AccountID,
		&item.DeviceID,
		&item.Collection,
		&item.DocumentID,
		&item.Type,
		&clientData,
		&serverData,
		&item.ClientTimestamp,
		&item.ServerTimestamp,
		&item.Status,
		&item.ResolutionStrategy,
		&finalData,
		&item.CreatedAt,
		&item.ResolvedAt,
	)
	if err != nil {
		return Conflict{}, err
	}
	item.ClientData = clientData
	item.ServerData = serverData
	item.FinalData = finalData
	return item, nil
}

// CleanupInactiveDevices deletes devices revoked or evicted more than the
// cutoff ago, in one bounded batch. Safe to re-run; each trigger removes at
// most batchSize rows.
func (s *PostgresStore) CleanupInactiveDevices(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM devices
		WHERE (account_id, id) IN (
			SELECT account_id, id FROM devices
			WHERE active=FALSE AND last_active_at < $1
			LIMIT $2
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("cleanup inactive devices: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup inactive devices rows: %w", err)
	}
	return int(affected), nil
}

// CleanupQueue removes acknowledged queue entries older than the cutoff and
// prunes the applied-operation ledger past the same horizon.
func (s *PostgresStore) CleanupQueue(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE id IN (
			SELECT id FROM sync_queue
			WHERE processed=TRUE AND created_at < $1
			LIMIT $2
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("cleanup queue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup queue rows: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM applied_operations
		WHERE (account_id, operation_id) IN (
			SELECT account_id, operation_id FROM applied_operations
			WHERE applied_at < $1
			LIMIT $2
		)
	`, cutoff, batchSize); err != nil {
		return int(affected), fmt.Errorf("cleanup applied operations: %w", err)
	}
	return int(affected), nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
