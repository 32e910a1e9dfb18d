package store

import (
	"encoding/json"
	"time"
)

type Account struct {
	ID                    string
	Email                 string
	DisplayName           string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	State                 json.RawMessage
	StateUpdatedAt        *time.Time
	LastActiveAt          *time.Time
	CreatedAt             time.Time
}

type Device struct {
	AccountID    string     `json:"-"`
	ID           string     `json:"deviceId"`
	DisplayName  string     `json:"displayName"`
	Platform     string     `json:"platform"`
	Model        string     `json:"model"`
	AppVersion   string     `json:"appVersion"`
	Active       bool       `json:"active"`
	FirstSeenAt  time.Time  `json:"firstSeenAt"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
}

// SyncDocument is one logical record of an account's partitioned store.
// sync_version increases by one on every accepted mutation; deletes are
// soft so conflict history stays inspectable.
type SyncDocument struct {
	AccountID          string
	Collection         string
	ID                 string
	Data               json.RawMessage
	SyncVersion        int64
	LastModifiedDevice string
	IsDeleted          bool
	DeletedAt          *time.Time
	DeletedByDevice    string
	ResolvedConflict   bool
	ResolutionStrategy string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SyncOperation is a single client-originated intent. It is consumed by the
// apply engine within one transaction and never persisted as-is.
type SyncOperation struct {
	ID              string          `json:"id"`
	Collection      string          `json:"collection"`
	DocumentID      string          `json:"documentId"`
	Kind            string          `json:"operation"`
	Payload         json.RawMessage `json:"data,omitempty"`
	OriginDevice    string          `json:"deviceId"`
	ClientTimestamp time.Time       `json:"timestamp"`
}

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

const (
	EntryTypeOperations   = "operations"
	EntryTypeAccountState = "account_state"
)

// QueueEntry is one durable outbox item targeted at a single device. Entries
// are acknowledged by the consuming device and removed only by the retention
// sweep.
type QueueEntry struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"-"`
	DeviceID    string          `json:"deviceId"`
	Type        string          `json:"type"`
	Operations  json.RawMessage `json:"operations"`
	Priority    string          `json:"priority"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

const (
	ConflictTypeCreate = "create_collision"
	ConflictTypeUpdate = "update_collision"
)

const (
	ConflictPending  = "pending"
	ConflictResolved = "resolved"
)

type Conflict struct {
	ID                 string          `json:"conflictId"`
	AccountID          string          `json:"-"`
	DeviceID           string          `json:"deviceId"`
	Collection         string          `json:"collection"`
	DocumentID         string          `json:"documentId"`
	Type               string          `json:"conflictType"`
	ClientData         json.RawMessage `json:"clientData,omitempty"`
	ServerData         json.RawMessage `json:"serverData,omitempty"`
	ClientTimestamp    time.Time       `json:"clientTimestamp"`
	ServerTimestamp    time.Time       `json:"serverTimestamp"`
	Status             string          `json:"status"`
	ResolutionStrategy string          `json:"resolutionStrategy,omitempty"`
	FinalData          json.RawMessage `json:"finalData,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	ResolvedAt         *time.Time      `json:"resolvedAt,omitempty"`
}
