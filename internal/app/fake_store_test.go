package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"almanac/api/internal/search"
	"almanac/api/internal/store"
)

// fakeStore is an in-memory dataStore. InAccountTx runs the callback
// against the same maps, which is close enough to the serialized
// single-account transaction the real store provides.
type fakeStore struct {
	accounts  map[string]store.Account
	devices   map[string]map[string]*store.Device
	docs      map[string]map[string]*store.SyncDocument
	applied   map[string]map[string]bool
	queue     []store.QueueEntry
	queueAcct []string
	conflicts map[string]store.Conflict
	revoked   map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:  make(map[string]store.Account),
		devices:   make(map[string]map[string]*store.Device),
		docs:      make(map[string]map[string]*store.SyncDocument),
		applied:   make(map[string]map[string]bool),
		conflicts: make(map[string]store.Conflict),
		revoked:   make(map[string]bool),
	}
}

func (f *fakeStore) addAccount(id, email string) {
	f.accounts[id] = store.Account{ID: id, Email: email, State: json.RawMessage(`{}`)}
	f.devices[id] = make(map[string]*store.Device)
	f.docs[id] = make(map[string]*store.SyncDocument)
	f.applied[id] = make(map[string]bool)
}

func docKey(collection, documentID string) string {
	return collection + "/" + documentID
}

func (f *fakeStore) GetAccountByID(ctx context.Context, id string) (store.Account, error) {
	account, ok := f.accounts[id]
	if !ok {
		return store.Account{}, sql.ErrNoRows
	}
	return account, nil
}

func (f *fakeStore) GetAccountByEmail(ctx context.Context, email string) (store.Account, error) {
	for _, account := range f.accounts {
		if account.Email == email {
			return account, nil
		}
	}
	return store.Account{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	return f.revoked[jti], nil
}

func (f *fakeStore) InAccountTx(ctx context.Context, accountID string, fn func(tx store.Tx) error) error {
	if _, ok := f.accounts[accountID]; !ok {
		return store.ErrAccountNotFound
	}
	return fn(&fakeTx{store: f, accountID: accountID})
}

func (f *fakeStore) ListDevices(ctx context.Context, accountID string) ([]store.Device, error) {
	var items []store.Device
	for _, device := range f.devices[accountID] {
		items = append(items, *device)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Active != items[j].Active {
			return items[i].Active
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (f *fakeStore) PullQueue(ctx context.Context, accountID, deviceID string, limit int) ([]store.QueueEntry, error) {
	var items []store.QueueEntry
	for i, entry := range f.queue {
		if f.queueAcct[i] != accountID || entry.DeviceID != deviceID || entry.Processed {
			continue
		}
		items = append(items, entry)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority == store.PriorityHigh
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeStore) QueueEntriesSince(ctx context.Context, accountID, deviceID string, since time.Time, limit int) ([]store.QueueEntry, error) {
	var items []store.QueueEntry
	for i, entry := range f.queue {
		if f.queueAcct[i] != accountID || entry.DeviceID != deviceID {
			continue
		}
		if !entry.CreatedAt.After(since) {
			continue
		}
		items = append(items, entry)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeStore) MarkQueueProcessed(ctx context.Context, accountID, deviceID string, entryIDs []string) (int, error) {
	marked := 0
	now := time.Now().UTC()
	for _, id := range entryIDs {
		for i := range f.queue {
			if f.queue[i].ID != id || f.queueAcct[i] != accountID || f.queue[i].DeviceID != deviceID {
				continue
			}
			if !f.queue[i].Processed {
				f.queue[i].Processed = true
				f.queue[i].ProcessedAt = &now
				marked++
			}
		}
	}
	return marked, nil
}

func (f *fakeStore) ListConflicts(ctx context.Context, accountID, status string) ([]store.Conflict, error) {
	var items []store.Conflict
	for _, conflict := range f.conflicts {
		if conflict.AccountID != accountID {
			continue
		}
		if status != "" && conflict.Status != status {
			continue
		}
		items = append(items, conflict)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (f *fakeStore) CleanupInactiveDevices(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	removed := 0
	for accountID, devices := range f.devices {
		for id, device := range devices {
			if !device.Active && device.LastActiveAt.Before(cutoff) {
				delete(f.devices[accountID], id)
				removed++
				if removed >= batchSize {
					return removed, nil
				}
			}
		}
	}
	return removed, nil
}

func (f *fakeStore) CleanupQueue(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	removed := 0
	kept := f.queue[:0]
	keptAcct := f.queueAcct[:0]
	for i, entry := range f.queue {
		if entry.Processed && entry.CreatedAt.Before(cutoff) && removed < batchSize {
			removed++
			continue
		}
		kept = append(kept, entry)
		keptAcct = append(keptAcct, f.queueAcct[i])
	}
	f.queue = kept
	f.queueAcct = keptAcct
	return removed, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

// fakeTx applies account-scoped mutations directly to the fake's maps.
type fakeTx struct {
	store     *fakeStore
	accountID string
}

func (t *fakeTx) GetDocument(ctx context.Context, collection, documentID string) (*store.SyncDocument, error) {
	doc, ok := t.store.docs[t.accountID][docKey(collection, documentID)]
	if !ok {
		return nil, nil
	}
	copied := *doc
	return &copied, nil
}

func (t *fakeTx) InsertDocument(ctx context.Context, doc store.SyncDocument) error {
	doc.AccountID = t.accountID
	doc.SyncVersion = 1
	doc.UpdatedAt = doc.CreatedAt
	if len(doc.Data) == 0 {
		doc.Data = json.RawMessage(`{}`)
	}
	t.store.docs[t.accountID][docKey(doc.Collection, doc.ID)] = &doc
	return nil
}

func (t *fakeTx) MergeDocument(ctx context.Context, collection, documentID string, payload json.RawMessage, updatedAt time.Time, deviceID string) error {
	doc := t.store.docs[t.accountID][docKey(collection, documentID)]
	merged, err := mergeJSONObjects(doc.Data, payload)
	if err != nil {
		return err
	}
	doc.Data = merged
	doc.UpdatedAt = updatedAt
	doc.SyncVersion++
	doc.LastModifiedDevice = deviceID
	return nil
}

func (t *fakeTx) SoftDeleteDocument(ctx context.Context, collection, documentID string, deletedAt time.Time, deviceID string) error {
	doc := t.store.docs[t.accountID][docKey(collection, documentID)]
	doc.IsDeleted = true
	doc.DeletedAt = &deletedAt
	doc.DeletedByDevice = deviceID
	doc.UpdatedAt = deletedAt
	doc.SyncVersion++
	doc.LastModifiedDevice = deviceID
	return nil
}

func (t *fakeTx) ReviveDocument(ctx context.Context, collection, documentID string, data json.RawMessage, updatedAt time.Time, deviceID string) error {
	doc := t.store.docs[t.accountID][docKey(collection, documentID)]
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	doc.Data = data
	doc.IsDeleted = false
	doc.DeletedAt = nil
	doc.DeletedByDevice = ""
	doc.UpdatedAt = updatedAt
	doc.SyncVersion++
	doc.LastModifiedDevice = deviceID
	return nil
}

func (t *fakeTx) PutResolvedDocument(ctx context.Context, collection, documentID string, finalData json.RawMessage, strategy string, updatedAt time.Time, deviceID string) error {
	key := docKey(collection, documentID)
	doc, ok := t.store.docs[t.accountID][key]
	if !ok {
		t.store.docs[t.accountID][key] = &store.SyncDocument{
			AccountID:          t.accountID,
			Collection:         collection,
			ID:                 documentID,
			Data:               finalData,
			SyncVersion:        1,
			LastModifiedDevice: deviceID,
			ResolvedConflict:   true,
			ResolutionStrategy: strategy,
			CreatedAt:          updatedAt,
			UpdatedAt:          updatedAt,
		}
		return nil
	}
	merged, err := mergeJSONObjects(doc.Data, finalData)
	if err != nil {
		return err
	}
	doc.Data = merged
	doc.SyncVersion++
	doc.LastModifiedDevice = deviceID
	doc.ResolvedConflict = true
	doc.ResolutionStrategy = strategy
	doc.IsDeleted = false
	doc.DeletedAt = nil
	doc.DeletedByDevice = ""
	doc.UpdatedAt = updatedAt
	return nil
}

func (t *fakeTx) OperationApplied(ctx context.Context, operationID string) (bool, error) {
	return t.store.applied[t.accountID][operationID], nil
}

func (t *fakeTx) MarkOperationApplied(ctx context.Context, operationID string) error {
	t.store.applied[t.accountID][operationID] = true
	return nil
}

func (t *fakeTx) GetDevice(ctx context.Context, deviceID string) (*store.Device, error) {
	device, ok := t.store.devices[t.accountID][deviceID]
	if !ok {
		return nil, nil
	}
	copied := *device
	return &copied, nil
}

func (t *fakeTx) CountActiveDevices(ctx context.Context) (int, error) {
	count := 0
	for _, device := range t.store.devices[t.accountID] {
		if device.Active {
			count++
		}
	}
	return count, nil
}

func (t *fakeTx) ListActiveDevices(ctx context.Context) ([]store.Device, error) {
	var items []store.Device
	for _, device := range t.store.devices[t.accountID] {
		if device.Active {
			items = append(items, *device)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (t *fakeTx) UpsertDevice(ctx context.Context, device store.Device) error {
	device.AccountID = t.accountID
	device.Active = true
	device.RevokedAt = nil
	if existing, ok := t.store.devices[t.accountID][device.ID]; ok {
		device.FirstSeenAt = existing.FirstSeenAt
	}
	t.store.devices[t.accountID][device.ID] = &device
	return nil
}

func (t *fakeTx) TouchDevice(ctx context.Context, deviceID, appVersion string, at time.Time) error {
	device, ok := t.store.devices[t.accountID][deviceID]
	if !ok {
		return nil
	}
	device.LastActiveAt = at
	if strings.TrimSpace(appVersion) != "" {
		device.AppVersion = appVersion
	}
	return nil
}

func (t *fakeTx) DeactivateDevice(ctx context.Context, deviceID string, at time.Time) (bool, error) {
	device, ok := t.store.devices[t.accountID][deviceID]
	if !ok || !device.Active {
		return false, nil
	}
	device.Active = false
	device.RevokedAt = &at
	return true, nil
}

func (t *fakeTx) InsertQueueEntries(ctx context.Context, entries []store.QueueEntry) error {
	for _, entry := range entries {
		t.store.queue = append(t.store.queue, entry)
		t.store.queueAcct = append(t.store.queueAcct, t.accountID)
	}
	return nil
}

func (t *fakeTx) InsertConflict(ctx context.Context, conflict store.Conflict) error {
	if _, exists := t.store.conflicts[conflict.ID]; exists {
		return nil
	}
	conflict.AccountID = t.accountID
	t.store.conflicts[conflict.ID] = conflict
	return nil
}

func (t *fakeTx) GetConflict(ctx context.Context, conflictID string) (store.Conflict, error) {
	conflict, ok := t.store.conflicts[conflictID]
	if !ok {
		return store.Conflict{}, sql.ErrNoRows
	}
	return conflict, nil
}

func (t *fakeTx) MarkConflictResolved(ctx context.Context, conflictID, strategy string, finalData json.RawMessage, at time.Time) error {
	conflict, ok := t.store.conflicts[conflictID]
	if !ok || conflict.Status != store.ConflictPending {
		return nil
	}
	conflict.Status = store.ConflictResolved
	conflict.ResolutionStrategy = strategy
	conflict.FinalData = finalData
	conflict.ResolvedAt = &at
	t.store.conflicts[conflictID] = conflict
	return nil
}

func (t *fakeTx) MergeAccountState(ctx context.Context, patch json.RawMessage, at time.Time) (json.RawMessage, error) {
	account := t.store.accounts[t.accountID]
	merged, err := mergeJSONObjects(account.State, patch)
	if err != nil {
		return nil, err
	}
	account.State = merged
	account.StateUpdatedAt = &at
	t.store.accounts[t.accountID] = account
	return merged, nil
}

// fakeSearcher matches documents by naive substring instead of tsquery.
type fakeSearcher struct {
	store *fakeStore
}

func (f *fakeSearcher) Search(ctx context.Context, q search.Query) (*search.Response, error) {
	response := &search.Response{Results: []search.Result{}, Query: q.Text}
	if strings.TrimSpace(q.Text) == "" {
		return response, nil
	}
	for _, doc := range f.store.docs[q.AccountID] {
		if doc.IsDeleted {
			continue
		}
		if q.Collection != "" && doc.Collection != q.Collection {
			continue
		}
		if strings.Contains(strings.ToLower(string(doc.Data)), strings.ToLower(q.Text)) {
			response.Results = append(response.Results, search.Result{
				Collection:  doc.Collection,
				DocumentID:  doc.ID,
				SyncVersion: doc.SyncVersion,
				UpdatedAt:   doc.UpdatedAt,
			})
		}
	}
	response.Total = len(response.Results)
	return response, nil
}

func mergeJSONObjects(base, overlay json.RawMessage) (json.RawMessage, error) {
	merged := map[string]any{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}
	}
	patch := map[string]any{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &patch); err != nil {
			return nil, err
		}
	}
	for key, value := range patch {
		merged[key] = value
	}
	return json.Marshal(merged)
}
