package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"almanac/api/internal/store"
	"almanac/api/internal/util"
)

type AccountStateResult struct {
	State         json.RawMessage `json:"state"`
	QueuedDevices []string        `json:"queuedDevices"`
}

// PropagateAccountState merges a server-side state patch (entitlements,
// feature flags and the like) into the account and queues the merged state
// for every active device at high priority, so it preempts ordinary
// operation traffic. Called by trusted backend jobs, not devices, so no
// origin device is excluded.
func (s *Service) PropagateAccountState(ctx context.Context, accountID string, patch json.RawMessage) (*AccountStateResult, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, errInvalidArgument("accountId is required", nil)
	}
	if len(patch) == 0 {
		return nil, errInvalidArgument("state patch is required", nil)
	}
	if !json.Valid(patch) {
		return nil, errInvalidArgument("state patch must be a JSON object", nil)
	}

	now := time.Now().UTC()
	result := &AccountStateResult{}

	err := s.store.InAccountTx(ctx, accountID, func(tx store.Tx) error {
		result.QueuedDevices = result.QueuedDevices[:0]

		merged, err := tx.MergeAccountState(ctx, patch, now)
		if err != nil {
			return err
		}
		result.State = merged

		devices, err := tx.ListActiveDevices(ctx)
		if err != nil {
			return err
		}
		var entries []store.QueueEntry
		for _, device := range devices {
			entries = append(entries, store.QueueEntry{
				ID:         util.NewID("q"),
				DeviceID:   device.ID,
				Type:       store.EntryTypeAccountState,
				Operations: merged,
				Priority:   store.PriorityHigh,
				CreatedAt:  now,
			})
			result.QueuedDevices = append(result.QueuedDevices, device.ID)
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.InsertQueueEntries(ctx, entries)
	})
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, errNotFound("Account not found")
		}
		return nil, err
	}

	s.wake(ctx, accountID, result.QueuedDevices)
	return result, nil
}
