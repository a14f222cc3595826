package types

import "encoding/json"

// SyncItem is one operation inside a batch sent to the backend
type SyncItem struct {
	OperationID    string          `json:"operationId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Type           string          `json:"type"`
	EntityID       string          `json:"entityId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	BaseVersion    int64           `json:"baseVersion"`
}

// Outcome is the backend's verdict on one SyncItem
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeConflict Outcome = "conflict"
	OutcomeRejected Outcome = "rejected"
)

// SyncResult reports the outcome of one SyncItem
type SyncResult struct {
	OperationID    string          `json:"operationId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         Outcome         `json:"status"`
	RemoteVersion  int64           `json:"remoteVersion"`
	Remote         json.RawMessage `json:"remote,omitempty"`
	Error          string          `json:"error,omitempty"`
	Code           string          `json:"code,omitempty"`
}

// BatchRequest is the body of the batch-sync call
type BatchRequest struct {
	Operations []SyncItem `json:"operations"`
}

// BatchResponse is the reply of the batch-sync call
type BatchResponse struct {
	Results []SyncResult `json:"results"`
}
