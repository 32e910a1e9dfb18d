package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"almanac/api/internal/store"
	"almanac/api/internal/util"
)

// Resolution strategies.
const (
	StrategyLastWriteWins = "last_write_wins"
	StrategyUserGuided    = "user_guided"
	StrategyMerge         = "merge"
)

// ResolveConflictInput is the resolution block of a resolve request.
// user_guided picks one recorded side whole via keepLocal/keepRemote; merge
// overlays only the named client fields onto the server document.
type ResolveConflictInput struct {
	Strategy    string   `json:"strategy"`
	KeepLocal   bool     `json:"keepLocal,omitempty"`
	KeepRemote  bool     `json:"keepRemote,omitempty"`
	MergeFields []string `json:"mergeFields,omitempty"`
}

type ResolveConflictResult struct {
	ConflictID string          `json:"conflictId"`
	Status     string          `json:"status"`
	Strategy   string          `json:"strategy"`
	FinalData  json.RawMessage `json:"finalData"`
}

// ResolveConflict applies a resolution strategy to a pending conflict,
// upserts the final document state, and propagates it to the account's
// other devices. Resolving an already-resolved conflict returns the stored
// outcome unchanged.
func (s *Service) ResolveConflict(ctx context.Context, session Session, conflictID string, input ResolveConflictInput) (*ResolveConflictResult, error) {
	if strings.TrimSpace(conflictID) == "" {
		return nil, errInvalidArgument("conflictId is required", nil)
	}
	switch input.Strategy {
	case StrategyLastWriteWins, StrategyMerge:
	case StrategyUserGuided:
		if input.KeepLocal == input.KeepRemote {
			return nil, errInvalidArgument("user_guided resolution requires exactly one of keepLocal or keepRemote", nil)
		}
	default:
		return nil, errInvalidArgument("strategy must be last_write_wins, user_guided, or merge", nil)
	}

	now := time.Now().UTC()
	var result *ResolveConflictResult
	var resolved store.Conflict
	alreadyResolved := false

	err := s.store.InAccountTx(ctx, session.AccountID, func(tx store.Tx) error {
		alreadyResolved = false
		conflict, err := tx.GetConflict(ctx, conflictID)
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Conflict not found")
		}
		if err != nil {
			return err
		}
		if conflict.AccountID != session.AccountID {
			log.Printf(`{"event":"conflict_access_denied","security":true,"account_id":%q,"conflict_id":%q}`,
				session.AccountID, conflictID)
			return errPermissionDenied("Conflict belongs to another account")
		}

		if conflict.Status == store.ConflictResolved {
			alreadyResolved = true
			result = &ResolveConflictResult{
				ConflictID: conflict.ID,
				Status:     conflict.Status,
				Strategy:   conflict.ResolutionStrategy,
				FinalData:  conflict.FinalData,
			}
			return nil
		}

		finalData, err := resolveFinalData(conflict, input)
		if err != nil {
			return err
		}

		if err := tx.PutResolvedDocument(ctx, conflict.Collection, conflict.DocumentID, finalData, input.Strategy, now, conflict.DeviceID); err != nil {
			return err
		}
		if err := tx.MarkConflictResolved(ctx, conflict.ID, input.Strategy, finalData, now); err != nil {
			return err
		}

		resolved = conflict
		result = &ResolveConflictResult{
			ConflictID: conflict.ID,
			Status:     store.ConflictResolved,
			Strategy:   input.Strategy,
			FinalData:  finalData,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, errNotFound("Account not found")
		}
		return nil, err
	}

	if !alreadyResolved {
		// The resolving client already holds finalData from the response;
		// the conflicting device's siblings get it through the queue.
		syntheticOp := store.SyncOperation{
			ID:              util.NewID("op"),
			Collection:      resolved.Collection,
			DocumentID:      resolved.DocumentID,
			Kind:            store.OpUpdate,
			Payload:         result.FinalData,
			OriginDevice:    resolved.DeviceID,
			ClientTimestamp: now,
		}
		woken, err := s.fanOut(ctx, session.AccountID, resolved.DeviceID, store.EntryTypeOperations, []store.SyncOperation{syntheticOp}, store.PriorityHigh)
		if err != nil {
			logSyncError("resolution_fanout_failed", session.AccountID, err)
		} else {
			s.wake(ctx, session.AccountID, woken)
		}
	}

	return result, nil
}

// ListConflicts returns the account's conflicts, optionally filtered by
// status.
func (s *Service) ListConflicts(ctx context.Context, session Session, status string) ([]store.Conflict, error) {
	switch status {
	case "", store.ConflictPending, store.ConflictResolved:
	default:
		return nil, errInvalidArgument("status must be pending or resolved", nil)
	}
	return s.store.ListConflicts(ctx, session.AccountID, status)
}

// resolveFinalData computes the winning document state for a conflict.
func resolveFinalData(conflict store.Conflict, input ResolveConflictInput) (json.RawMessage, error) {
	switch input.Strategy {
	case StrategyLastWriteWins:
		// Ties go to the server copy.
		if conflict.ClientTimestamp.After(conflict.ServerTimestamp) {
			return nonEmptyJSON(conflict.ClientData), nil
		}
		return nonEmptyJSON(conflict.ServerData), nil

	case StrategyUserGuided:
		if input.KeepLocal {
			return nonEmptyJSON(conflict.ClientData), nil
		}
		return nonEmptyJSON(conflict.ServerData), nil

	case StrategyMerge:
		return mergeConflictData(conflict.ServerData, conflict.ClientData, input.MergeFields)
	}
	return nil, errInvalidArgument("unknown strategy", nil)
}

// mergeConflictData overlays the named client fields onto the server
// document. An empty field list keeps the server document untouched.
func mergeConflictData(serverData, clientData json.RawMessage, mergeFields []string) (json.RawMessage, error) {
	base := map[string]any{}
	if len(serverData) > 0 {
		if err := json.Unmarshal(serverData, &base); err != nil {
			return nil, fmt.Errorf("unmarshal server data: %w", err)
		}
	}
	overlay := map[string]any{}
	if len(clientData) > 0 {
		if err := json.Unmarshal(clientData, &overlay); err != nil {
			return nil, fmt.Errorf("unmarshal client data: %w", err)
		}
	}

	for _, field := range mergeFields {
		if value, ok := overlay[field]; ok {
			base[field] = value
		}
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal merged data: %w", err)
	}
	return merged, nil
}

func nonEmptyJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
