package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"almanac/api/internal/store"
	"almanac/api/internal/util"
)

// Operation statuses reported back to the submitting device.
const (
	StatusApplied   = "applied"
	StatusConflict  = "conflict"
	StatusDuplicate = "duplicate"
	StatusSkipped   = "skipped"
)

type OperationResult struct {
	OperationID  string `json:"operationId"`
	Status       string `json:"status"`
	ConflictID   string `json:"conflictId,omitempty"`
	ConflictType string `json:"conflictType,omitempty"`
}

type SubmitResult struct {
	Results        []OperationResult  `json:"results"`
	AppliedCount   int                `json:"appliedCount"`
	ConflictCount  int                `json:"conflictCount"`
	PendingEntries []store.QueueEntry `json:"pendingEntries"`
	Timestamp      time.Time          `json:"timestamp"`
}

type BatchResult struct {
	Results        []OperationResult  `json:"results"`
	AppliedCount   int                `json:"appliedCount"`
	ConflictCount  int                `json:"conflictCount"`
	ChunkCount     int                `json:"chunkCount"`
	PendingEntries []store.QueueEntry `json:"pendingEntries"`
	Watermark      time.Time          `json:"watermark"`
}

// SubmitOperations runs the submitting device's operations through the
// apply engine in one transaction, then records conflicts, fans the applied
// operations out to sibling devices, and returns the device's pending queue.
// Entries are not acknowledged here; the client acks after local persist.
// When collections are named, pending operation entries are narrowed to
// those collections.
func (s *Service) SubmitOperations(ctx context.Context, session Session, deviceID string, ops []store.SyncOperation, collections ...string) (*SubmitResult, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, errInvalidArgument("deviceId is required", nil)
	}
	if len(ops) == 0 {
		return nil, errInvalidArgument("operations are required", nil)
	}
	for i := range ops {
		if err := validateOperation(&ops[i], deviceID); err != nil {
			return nil, err
		}
	}

	outcome, err := s.applyChunk(ctx, session.AccountID, deviceID, ops)
	if err != nil {
		return nil, err
	}

	s.finishApply(ctx, session.AccountID, deviceID, outcome)

	pending, err := s.store.PullQueue(ctx, session.AccountID, deviceID, s.cfg.QueuePageSize)
	if err != nil {
		return nil, err
	}
	pending = filterEntriesByCollection(pending, collections)

	result := &SubmitResult{
		Results:        outcome.results,
		AppliedCount:   outcome.appliedCount,
		ConflictCount:  len(outcome.conflicts),
		PendingEntries: pending,
		Timestamp:      time.Now().UTC(),
	}
	for _, entry := range pending {
		if entry.CreatedAt.After(result.Timestamp) {
			result.Timestamp = entry.CreatedAt
		}
	}
	return result, nil
}

// filterEntriesByCollection narrows operation entries to the requested
// collections. Entries left with no operations are dropped; account-state
// entries always pass through.
func filterEntriesByCollection(entries []store.QueueEntry, collections []string) []store.QueueEntry {
	if len(collections) == 0 {
		return entries
	}
	wanted := make(map[string]bool, len(collections))
	for _, collection := range collections {
		wanted[collection] = true
	}

	filtered := make([]store.QueueEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Type != store.EntryTypeOperations {
			filtered = append(filtered, entry)
			continue
		}
		var ops []store.SyncOperation
		if err := json.Unmarshal(entry.Operations, &ops); err != nil {
			filtered = append(filtered, entry)
			continue
		}
		kept := ops[:0]
		for _, op := range ops {
			if wanted[op.Collection] {
				kept = append(kept, op)
			}
		}
		if len(kept) == 0 {
			continue
		}
		payload, err := json.Marshal(kept)
		if err != nil {
			filtered = append(filtered, entry)
			continue
		}
		entry.Operations = payload
		filtered = append(filtered, entry)
	}
	return filtered
}

// BatchSync ingests a large operation backlog in bounded chunks, each chunk
// its own transaction, then reads the device's queue from the given
// watermark. A mid-batch failure leaves earlier chunks committed; the
// operation ledger makes the retry of the full batch safe.
func (s *Service) BatchSync(ctx context.Context, session Session, deviceID string, ops []store.SyncOperation, since time.Time) (*BatchResult, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, errInvalidArgument("deviceId is required", nil)
	}
	for i := range ops {
		if err := validateOperation(&ops[i], deviceID); err != nil {
			return nil, err
		}
	}

	result := &BatchResult{Watermark: time.Now().UTC()}
	chunkSize := s.cfg.BatchChunkSize
	if chunkSize <= 0 {
		chunkSize = 500
	}

	for start := 0; start < len(ops); start += chunkSize {
		end := start + chunkSize
		if end > len(ops) {
			end = len(ops)
		}
		outcome, err := s.applyChunk(ctx, session.AccountID, deviceID, ops[start:end])
		if err != nil {
			return nil, fmt.Errorf("apply chunk %d: %w", result.ChunkCount, err)
		}
		s.finishApply(ctx, session.AccountID, deviceID, outcome)
		result.Results = append(result.Results, outcome.results...)
		result.AppliedCount += outcome.appliedCount
		result.ConflictCount += len(outcome.conflicts)
		result.ChunkCount++
	}

	var entries []store.QueueEntry
	var err error
	if since.IsZero() {
		entries, err = s.store.PullQueue(ctx, session.AccountID, deviceID, s.cfg.QueuePageSize)
	} else {
		entries, err = s.store.QueueEntriesSince(ctx, session.AccountID, deviceID, since, s.cfg.QueuePageSize)
	}
	if err != nil {
		return nil, err
	}
	result.PendingEntries = entries
	for _, entry := range entries {
		if entry.CreatedAt.After(result.Watermark) {
			result.Watermark = entry.CreatedAt
		}
	}
	return result, nil
}

// QueueEntries reads the device's durable queue: unprocessed entries in
// priority order, or everything after a watermark when since is set.
func (s *Service) QueueEntries(ctx context.Context, session Session, deviceID string, since time.Time) ([]store.QueueEntry, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, errInvalidArgument("deviceId is required", nil)
	}
	if since.IsZero() {
		return s.store.PullQueue(ctx, session.AccountID, deviceID, s.cfg.QueuePageSize)
	}
	return s.store.QueueEntriesSince(ctx, session.AccountID, deviceID, since, s.cfg.QueuePageSize)
}

// AckQueue marks delivered entries processed once the client has persisted
// them locally. Entries belonging to another device are ignored.
func (s *Service) AckQueue(ctx context.Context, session Session, deviceID string, entryIDs []string) (int, error) {
	if strings.TrimSpace(deviceID) == "" {
		return 0, errInvalidArgument("deviceId is required", nil)
	}
	if len(entryIDs) == 0 {
		return 0, errInvalidArgument("entryIds are required", nil)
	}
	return s.store.MarkQueueProcessed(ctx, session.AccountID, deviceID, entryIDs)
}

// applyOutcome carries everything a committed apply transaction produced
// that still needs post-commit work.
type applyOutcome struct {
	results      []OperationResult
	appliedCount int
	appliedOps   []store.SyncOperation
	conflicts    []store.Conflict
}

// applyChunk runs the decision table for one chunk of operations inside a
// single account transaction. Conflicting operations are never recorded in
// the ledger, so a retry re-detects them; applied operations are recorded
// and replay as duplicates.
func (s *Service) applyChunk(ctx context.Context, accountID, deviceID string, ops []store.SyncOperation) (*applyOutcome, error) {
	now := time.Now().UTC()
	outcome := &applyOutcome{}

	err := s.store.InAccountTx(ctx, accountID, func(tx store.Tx) error {
		outcome.results = outcome.results[:0]
		outcome.appliedOps = outcome.appliedOps[:0]
		outcome.conflicts = outcome.conflicts[:0]
		outcome.appliedCount = 0

		device, err := tx.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		if device == nil || !device.Active {
			return errPermissionDenied("Device is not registered or has been revoked")
		}
		if err := tx.TouchDevice(ctx, deviceID, "", now); err != nil {
			return err
		}

		for _, op := range ops {
			applied, err := tx.OperationApplied(ctx, op.ID)
			if err != nil {
				return err
			}
			if applied {
				outcome.results = append(outcome.results, OperationResult{OperationID: op.ID, Status: StatusDuplicate})
				continue
			}

			result, conflict, err := s.applyOperation(ctx, tx, op, deviceID, now)
			if err != nil {
				return err
			}
			outcome.results = append(outcome.results, result)
			switch result.Status {
			case StatusApplied:
				outcome.appliedCount++
				outcome.appliedOps = append(outcome.appliedOps, op)
				if err := tx.MarkOperationApplied(ctx, op.ID); err != nil {
					return err
				}
			case StatusSkipped:
				if err := tx.MarkOperationApplied(ctx, op.ID); err != nil {
					return err
				}
			case StatusConflict:
				outcome.conflicts = append(outcome.conflicts, *conflict)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, errNotFound("Account not found")
		}
		return nil, err
	}
	return outcome, nil
}

// applyOperation classifies one operation against the current document
// state and applies it when it wins.
func (s *Service) applyOperation(ctx context.Context, tx store.Tx, op store.SyncOperation, deviceID string, now time.Time) (OperationResult, *store.Conflict, error) {
	doc, err := tx.GetDocument(ctx, op.Collection, op.DocumentID)
	if err != nil {
		return OperationResult{}, nil, err
	}

	switch {
	case doc == nil:
		if op.Kind == store.OpDelete {
			// Delete of a document that never synced: nothing to do.
			return OperationResult{OperationID: op.ID, Status: StatusSkipped}, nil, nil
		}
		// A create lands as-is; an update of an unknown document is
		// upserted as a create so offline-first clients converge.
		// Documents carry the operation's timestamp, not receive time,
		// so later edits compare against when the write actually happened.
		if err := tx.InsertDocument(ctx, store.SyncDocument{
			Collection:         op.Collection,
			ID:                 op.DocumentID,
			Data:               op.Payload,
			LastModifiedDevice: deviceID,
			CreatedAt:          op.ClientTimestamp,
		}); err != nil {
			return OperationResult{}, nil, err
		}
		return OperationResult{OperationID: op.ID, Status: StatusApplied}, nil, nil

	case doc.IsDeleted:
		if op.Kind == store.OpDelete {
			return OperationResult{OperationID: op.ID, Status: StatusSkipped}, nil, nil
		}
		// Writing to a deleted document revives it with the incoming data.
		if err := tx.ReviveDocument(ctx, op.Collection, op.DocumentID, op.Payload, op.ClientTimestamp, deviceID); err != nil {
			return OperationResult{}, nil, err
		}
		return OperationResult{OperationID: op.ID, Status: StatusApplied}, nil, nil

	default:
		switch op.Kind {
		case store.OpCreate:
			conflict := s.newConflict(op, doc, store.ConflictTypeCreate, now)
			return OperationResult{
				OperationID:  op.ID,
				Status:       StatusConflict,
				ConflictID:   conflict.ID,
				ConflictType: conflict.Type,
			}, &conflict, nil

		case store.OpUpdate:
			if !op.ClientTimestamp.Before(doc.UpdatedAt) {
				if err := tx.MergeDocument(ctx, op.Collection, op.DocumentID, op.Payload, op.ClientTimestamp, deviceID); err != nil {
					return OperationResult{}, nil, err
				}
				return OperationResult{OperationID: op.ID, Status: StatusApplied}, nil, nil
			}
			conflict := s.newConflict(op, doc, store.ConflictTypeUpdate, now)
			return OperationResult{
				OperationID:  op.ID,
				Status:       StatusConflict,
				ConflictID:   conflict.ID,
				ConflictType: conflict.Type,
			}, &conflict, nil

		case store.OpDelete:
			if err := tx.SoftDeleteDocument(ctx, op.Collection, op.DocumentID, op.ClientTimestamp, deviceID); err != nil {
				return OperationResult{}, nil, err
			}
			return OperationResult{OperationID: op.ID, Status: StatusApplied}, nil, nil

		default:
			return OperationResult{}, nil, errInvalidArgument("unknown operation kind: "+op.Kind, nil)
		}
	}
}

// newConflict builds a pending conflict record. The ID is derived from the
// operation so a retried submission lands on the same row.
func (s *Service) newConflict(op store.SyncOperation, doc *store.SyncDocument, conflictType string, now time.Time) store.Conflict {
	serverTS := doc.UpdatedAt
	return store.Conflict{
		ID:              "cfl_" + op.ID,
		DeviceID:        op.OriginDevice,
		Collection:      op.Collection,
		DocumentID:      op.DocumentID,
		Type:            conflictType,
		ClientData:      op.Payload,
		ServerData:      doc.Data,
		ClientTimestamp: op.ClientTimestamp,
		ServerTimestamp: serverTS,
		Status:          store.ConflictPending,
		CreatedAt:       now,
	}
}

// finishApply does the post-commit work for one applied chunk: persist
// detected conflicts, fan applied operations out to sibling devices, and
// publish a wake hint. Each step degrades independently; the ledger plus
// idempotent conflict IDs make retries converge.
func (s *Service) finishApply(ctx context.Context, accountID, deviceID string, outcome *applyOutcome) {
	for _, conflict := range outcome.conflicts {
		c := conflict
		if err := s.store.InAccountTx(ctx, accountID, func(tx store.Tx) error {
			return tx.InsertConflict(ctx, c)
		}); err != nil {
			logSyncError("conflict_persist_failed", accountID, err)
		}
	}

	if len(outcome.appliedOps) == 0 {
		return
	}
	woken, err := s.fanOut(ctx, accountID, deviceID, store.EntryTypeOperations, outcome.appliedOps, store.PriorityNormal)
	if err != nil {
		logSyncError("fanout_failed", accountID, err)
		return
	}
	s.wake(ctx, accountID, woken)
}

// fanOut enqueues one durable entry per active sibling device, excluding
// the origin, and returns the devices that received entries.
func (s *Service) fanOut(ctx context.Context, accountID, originDevice, entryType string, ops []store.SyncOperation, priority string) ([]string, error) {
	payload, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("marshal fan-out operations: %w", err)
	}
	now := time.Now().UTC()

	var woken []string
	err = s.store.InAccountTx(ctx, accountID, func(tx store.Tx) error {
		woken = woken[:0]
		devices, err := tx.ListActiveDevices(ctx)
		if err != nil {
			return err
		}
		var entries []store.QueueEntry
		for _, device := range devices {
			if device.ID == originDevice {
				continue
			}
			entries = append(entries, store.QueueEntry{
				ID:         util.NewID("q"),
				DeviceID:   device.ID,
				Type:       entryType,
				Operations: payload,
				Priority:   priority,
				CreatedAt:  now,
			})
			woken = append(woken, device.ID)
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.InsertQueueEntries(ctx, entries)
	})
	if err != nil {
		return nil, err
	}
	return woken, nil
}

func logSyncError(event, accountID string, err error) {
	log.Printf(`{"event":%q,"account_id":%q,"error":%q}`, event, accountID, err.Error())
}

func validateOperation(op *store.SyncOperation, deviceID string) error {
	if strings.TrimSpace(op.ID) == "" {
		return errInvalidArgument("operation id is required", nil)
	}
	if strings.TrimSpace(op.Collection) == "" {
		return errInvalidArgument("operation collection is required", map[string]any{"operationId": op.ID})
	}
	if strings.TrimSpace(op.DocumentID) == "" {
		return errInvalidArgument("operation documentId is required", map[string]any{"operationId": op.ID})
	}
	switch op.Kind {
	case store.OpCreate, store.OpUpdate, store.OpDelete:
	default:
		return errInvalidArgument("operation must be create, update, or delete", map[string]any{"operationId": op.ID})
	}
	if op.ClientTimestamp.IsZero() {
		return errInvalidArgument("operation timestamp is required", map[string]any{"operationId": op.ID})
	}
	if op.OriginDevice == "" {
		op.OriginDevice = deviceID
	}
	return nil
}
