package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// maxTxAttempts bounds serialization-failure retries per entry point.
const maxTxAttempts = 3

// Tx is the mutation surface available inside one account-scoped
// serializable transaction. Every method except GetConflict operates on the
// account the transaction was opened for; devices of other accounts never
// contend. GetConflict fetches by id so the caller can tell a missing
// conflict from another account's.
type Tx interface {
	GetDocument(ctx context.Context, collection, documentID string) (*SyncDocument, error)
	InsertDocument(ctx context.Context, doc SyncDocument) error
	MergeDocument(ctx context.Context, collection, documentID string, payload json.RawMessage, updatedAt time.Time, deviceID string) error
	SoftDeleteDocument(ctx context.Context, collection, documentID string, deletedAt time.Time, deviceID string) error
	ReviveDocument(ctx context.Context, collection, documentID string, data json.RawMessage, updatedAt time.Time, deviceID string) error
	PutResolvedDocument(ctx context.Context, collection, documentID string, finalData json.RawMessage, strategy string, updatedAt time.Time, deviceID string) error
	OperationApplied(ctx context.Context, operationID string) (bool, error)
	MarkOperationApplied(ctx context.Context, operationID string) error

	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	CountActiveDevices(ctx context.Context) (int, error)
	ListActiveDevices(ctx context.Context) ([]Device, error)
	UpsertDevice(ctx context.Context, device Device) error
	TouchDevice(ctx context.Context, deviceID, appVersion string, at time.Time) error
	DeactivateDevice(ctx context.Context, deviceID string, at time.Time) (bool, error)

	InsertQueueEntries(ctx context.Context, entries []QueueEntry) error

	InsertConflict(ctx context.Context, conflict Conflict) error
	GetConflict(ctx context.Context, conflictID string) (Conflict, error)
	MarkConflictResolved(ctx context.Context, conflictID, strategy string, finalData json.RawMessage, at time.Time) error

	MergeAccountState(ctx context.Context, patch json.RawMessage, at time.Time) (json.RawMessage, error)
}

// InAccountTx runs fn inside a serializable transaction that first locks the
// account row, so all mutating entry points of one account are serialized at
// transaction granularity. Serialization failures are retried a bounded
// number of times; fn must therefore be idempotent within a call.
func (s *PostgresStore) InAccountTx(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.runAccountTx(ctx, accountID, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("account tx retries exhausted: %w", lastErr)
}

func (s *PostgresStore) runAccountTx(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin account tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM accounts WHERE id=$1 FOR UPDATE`, accountID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("lock account: %w", err)
	}

	if err := fn(&accountTx{tx: tx, accountID: accountID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit account tx: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

type accountTx struct {
	tx        *sql.Tx
	accountID string
}

func (t *accountTx) GetDocument(ctx context.Context, collection, documentID string) (*SyncDocument, error) {
	var item SyncDocument
	var data []byte
	err := t.tx.QueryRowContext(ctx, `
		SELECT account_id, collection, id, data, sync_version, last_modified_device,
			is_deleted, deleted_at, deleted_by_device, resolved_conflict, resolution_strategy,
			created_at, updated_at
		FROM sync_documents
		WHERE account_id=$1 AND collection=$2 AND id=$3
		FOR UPDATE
	`, t.accountID, collection, documentID).Scan(
		&item.AccountID,
		&item.Collection,
		&item.ID,
		&data,
		&item.SyncVersion,
		&item.LastModifiedDevice,
		&item.IsDeleted,
		&item.DeletedAt,
		&item.DeletedByDevice,
		&item.ResolvedConflict,
		&item.ResolutionStrategy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	item.Data = data
	return &item, nil
}

func (t *accountTx) InsertDocument(ctx context.Context, doc SyncDocument) error {
	data := doc.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_documents (account_id, collection, id, data, sync_version, last_modified_device, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, 1, $5, $6, $6)
	`, t.accountID, doc.Collection, doc.ID, string(data), doc.LastModifiedDevice, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// MergeDocument overlays the payload's fields onto the stored data and bumps
// the version counter. Callers have already decided the update wins.
func (t *accountTx) MergeDocument(ctx context.Context, collection, documentID string, payload json.RawMessage, updatedAt time.Time, deviceID string) error {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sync_documents
		SET data = data || $4::jsonb,
			updated_at = $5,
			sync_version = sync_version + 1,
			last_modified_device = $6
		WHERE account_id=$1 AND collection=$2 AND id=$3
	`, t.accountID, collection, documentID, string(payload), updatedAt, deviceID)
	if err != nil {
		return fmt.Errorf("merge document: %w", err)
	}
	return nil
}

func (t *accountTx) SoftDeleteDocument(ctx context.Context, collection, documentID string, deletedAt time.Time, deviceID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sync_documents
		SET is_deleted = TRUE,
			deleted_at = $4,
			deleted_by_device = $5,
			updated_at = $4,
			sync_version = sync_version + 1,
			last_modified_device = $5
		WHERE account_id=$1 AND collection=$2 AND id=$3
	`, t.accountID, collection, documentID, deletedAt, deviceID)
	if err != nil {
		return fmt.Errorf("soft delete document: %w", err)
	}
	return nil
}

// ReviveDocument replaces a soft-deleted document's data and clears the
// delete marker. Used when a device writes to an ID another device deleted.
func (t *accountTx) ReviveDocument(ctx context.Context, collection, documentID string, data json.RawMessage, updatedAt time.Time, deviceID string) error {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sync_documents
		SET data = $4::jsonb,
			is_deleted = FALSE,
			deleted_at = NULL,
			deleted_by_device = '',
			updated_at = $5,
			sync_version = sync_version + 1,
			last_modified_device = $6
		WHERE account_id=$1 AND collection=$2 AND id=$3
	`, t.accountID, collection, documentID, string(data), updatedAt, deviceID)
	if err != nil {
		return fmt.Errorf("revive document: %w", err)
	}
	return nil
}

// PutResolvedDocument upserts the resolved final state with no existence
// precondition and records the strategy that produced it. A resolved upsert
// also clears any soft-delete marker so every device converges on the final
// value.
func (t *accountTx) PutResolvedDocument(ctx context.Context, collection, documentID string, finalData json.RawMessage, strategy string, updatedAt time.Time, deviceID string) error {
	if len(finalData) == 0 {
		finalData = json.RawMessage(`{}`)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_documents (account_id, collection, id, data, sync_version, last_modified_device, resolved_conflict, resolution_strategy, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, 1, $5, TRUE, $6, $7, $7)
		ON CONFLICT (account_id, collection, id) DO UPDATE
		SET data = sync_documents.data || EXCLUDED.data,
			sync_version = sync_documents.sync_version + 1,
			last_modified_device = EXCLUDED.last_modified_device,
			resolved_conflict = TRUE,
			resolution_strategy = EXCLUDED.resolution_strategy,
			is_deleted = FALSE,
			deleted_at = NULL,
			deleted_by_device = '',
			updated_at = EXCLUDED.updated_at
	`, t.accountID, collection, documentID, string(finalData), deviceID, strategy, updatedAt)
	if err != nil {
		return fmt.Errorf("put resolved document: %w", err)
	}
	return nil
}

func (t *accountTx) OperationApplied(ctx context.Context, operationID string) (bool, error) {
	var applied bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM applied_operations WHERE account_id=$1 AND operation_id=$2)
	`, t.accountID, operationID).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("check applied operation: %w", err)
	}
	return applied, nil
}

func (t *accountTx) MarkOperationApplied(ctx context.Context, operationID string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO applied_operations (account_id, operation_id)
		VALUES ($1, $2)
		ON CONFLICT (account_id, operation_id) DO NOTHING
	`, t.accountID, operationID)
	if err != nil {
		return fmt.Errorf("mark operation applied: %w", err)
	}
	return nil
}

func (t *accountTx) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var item Device
	err := t.tx.QueryRowContext(ctx, `
		SELECT account_id, id, display_name, platform, model, app_version, active, first_seen_at, last_active_at, revoked_at
		FROM devices
		WHERE account_id=$1 AND id=$2
		FOR UPDATE
	`, t.accountID, deviceID).Scan(
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
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &item, nil
}

func (t *accountTx) CountActiveDevices(ctx context.Context) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM devices WHERE account_id=$1 AND active=TRUE
	`, t.accountID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active devices: %w", err)
	}
	return count, nil
}

func (t *accountTx) ListActiveDevices(ctx context.Context) ([]Device, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT account_id, id, display_name, platform, model, app_version, active, first_seen_at, last_active_at, revoked_at
		FROM devices
		WHERE account_id=$1 AND active=TRUE
		ORDER BY first_seen_at ASC
	`, t.accountID)
	if err != nil {
		return nil, fmt.Errorf("list active devices: %w", err)
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
			return nil, fmt.Errorf("scan active device: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active devices: %w", err)
	}
	return items, nil
}

// UpsertDevice registers or reactivates a device. first_seen_at of an
// already-known device is preserved.
func (t *accountTx) UpsertDevice(ctx context.Context, device Device) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO devices (account_id, id, display_name, platform, model, app_version, active, first_seen_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		ON CONFLICT (account_id, id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
			platform = EXCLUDED.platform,
			model = EXCLUDED.model,
			app_version = EXCLUDED.app_version,
			active = TRUE,
			last_active_at = EXCLUDED.last_active_at,
			revoked_at = NULL
	`, t.accountID, device.ID, device.DisplayName, device.Platform, device.Model, device.AppVersion, device.LastActiveAt)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (t *accountTx) TouchDevice(ctx context.Context, deviceID, appVersion string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE devices
		SET last_active_at=$3, app_version=COALESCE(NULLIF($4, ''), app_version)
		WHERE account_id=$1 AND id=$2
	`, t.accountID, deviceID, at, appVersion)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

func (t *accountTx) DeactivateDevice(ctx context.Context, deviceID string, at time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE devices
		SET active=FALSE, revoked_at=$3
		WHERE account_id=$1 AND id=$2 AND active=TRUE
	`, t.accountID, deviceID, at)
	if err != nil {
		return false, fmt.Errorf("deactivate device: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate device rows: %w", err)
	}
	return affected > 0, nil
}

func (t *accountTx) InsertQueueEntries(ctx context.Context, entries []QueueEntry) error {
	for _, entry := range entries {
		operations := entry.Operations
		if len(operations) == 0 {
			operations = json.RawMessage(`[]`)
		}
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO sync_queue (id, account_id, device_id, entry_type, operations, priority, processed, created_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, FALSE, $7)
		`, entry.ID, t.accountID, entry.DeviceID, entry.Type, string(operations), entry.Priority, entry.CreatedAt); err != nil {
			return fmt.Errorf("insert queue entry: %w", err)
		}
	}
	return nil
}

func (t *accountTx) InsertConflict(ctx context.Context, conflict Conflict) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts (id, account_id, device_id, collection, document_id, conflict_type,
			client_data, server_data, client_timestamp, server_timestamp, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, conflict.ID, t.accountID, conflict.DeviceID, conflict.Collection, conflict.DocumentID, conflict.Type,
		nullableJSON(conflict.ClientData), nullableJSON(conflict.ServerData),
		conflict.ClientTimestamp, conflict.ServerTimestamp, ConflictPending, conflict.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// GetConflict fetches by id alone, without account scoping. Callers compare
// the returned account id so an unknown conflict and another account's
// conflict produce different errors.
func (t *accountTx) GetConflict(ctx context.Context, conflictID string) (Conflict, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, account_id, device_id, collection, document_id, conflict_type,
			client_data, server_data, client_timestamp, server_timestamp,
			status, resolution_strategy, final_data, created_at, resolved_at
		FROM sync_conflicts
		WHERE id=$1
		FOR UPDATE
	`, conflictID)
	return scanConflict(row)
}

// MarkConflictResolved flips a pending conflict to its terminal state. A
// conflict never reverts to pending.
func (t *accountTx) MarkConflictResolved(ctx context.Context, conflictID, strategy string, finalData json.RawMessage, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET status=$3, resolution_strategy=$4, final_data=$5::jsonb, resolved_at=$6
		WHERE id=$1 AND account_id=$2 AND status=$7
	`, conflictID, t.accountID, ConflictResolved, strategy, nullableJSON(finalData), at, ConflictPending)
	if err != nil {
		return fmt.Errorf("mark conflict resolved: %w", err)
	}
	return nil
}

// MergeAccountState overlays a collaborator-supplied patch onto the account
// state document and returns the merged result.
func (t *accountTx) MergeAccountState(ctx context.Context, patch json.RawMessage, at time.Time) (json.RawMessage, error) {
	if len(patch) == 0 {
		patch = json.RawMessage(`{}`)
	}
	var state []byte
	err := t.tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET state = state || $2::jsonb, state_updated_at=$3, last_active_at=$3
		WHERE id=$1
		RETURNING state
	`, t.accountID, string(patch), at).Scan(&state)
	if err != nil {
		return nil, fmt.Errorf("merge account state: %w", err)
	}
	return state, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
