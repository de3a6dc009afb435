// Package domain defines the core data types of the capture gateway: the
// wire-level capture request/result shapes and the persistence models used
// by the GORM-backed stores. Types here are shared across the repository,
// coordinator, and transport layers.
package domain

import (
	"encoding/json"
	"time"
)

// Event is one opaque traceability event inside a capture submission. The
// gateway treats event payloads as raw JSON; only structural checks (such as
// the presence of a "type" field) are applied before handing the batch to the
// validator and persister.
type Event = json.RawMessage

// CaptureRequest is the JSON body of a capture submission.
type CaptureRequest struct {
	// Events is the batch of EPCIS-style events to ingest. Must be non-empty.
	Events []Event `json:"events"`
}

// CaptureResult is the immutable outcome of processing one capture
// submission. It is produced at most once per idempotency key, serialized
// into the result cache, and replayed byte-identically to retries of the
// same submission until the cache entry expires.
type CaptureResult struct {
	// Accepted reports whether the batch passed validation and was persisted.
	Accepted bool `json:"accepted"`
	// IngestedCount is the number of events handed to the persister.
	IngestedCount int `json:"ingested_count"`
	// EventIDs are the identifiers assigned by the persister, in batch order.
	EventIDs []string `json:"event_ids,omitempty"`
	// Errors holds validation errors when Accepted is false.
	Errors []string `json:"errors,omitempty"`
}

// LeaseEntry is the row shape backing the SQL lease store. One row per live
// key; the primary key on Key is what makes set-if-absent atomic across
// gateway instances.
type LeaseEntry struct {
	Key       string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Value     []byte    `gorm:"type:BLOB"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
}

// TableName implements the GORM tabler interface.
func (LeaseEntry) TableName() string { return "lease_entries" }

// OrgSecret holds the per-organization HMAC key material consulted by the
// signature verifier. Secrets are provisioned out of band (env seed or an
// operator tool); the gateway only ever reads them at request time.
type OrgSecret struct {
	OrgID     string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Secret    string    `gorm:"type:TEXT NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoUpdateTime"`
}

// TableName implements the GORM tabler interface.
func (OrgSecret) TableName() string { return "org_secrets" }

// CapturedEvent is one persisted event row written by the reference
// persister. The payload is stored verbatim as submitted.
type CapturedEvent struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	OrgID     string    `gorm:"type:TEXT NOT NULL;index:idx_captured_org"`
	EventType string    `gorm:"type:TEXT NOT NULL"`
	Payload   []byte    `gorm:"type:BLOB NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
}

// TableName implements the GORM tabler interface.
func (CapturedEvent) TableName() string { return "captured_events" }
