package syncer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/id"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/types"
)

// Status of a sync operation. Moves forward only, except that a
// retryable failure re-enters the queue as a new attempt.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusSending      Status = "sending"
	StatusAcknowledged Status = "acknowledged"
	StatusConflicted   Status = "conflicted"
	StatusFailed       Status = "failed"
	StatusDiscarded    Status = "discarded"
)

var statusTransitions = map[Status][]Status{
	StatusQueued:     {StatusSending},
	StatusSending:    {StatusAcknowledged, StatusConflicted, StatusFailed},
	StatusConflicted: {StatusSending, StatusDiscarded, StatusFailed},
	StatusFailed:     {StatusQueued},
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusAcknowledged || s == StatusDiscarded
}

// Operation types accepted by Enqueue. They double as the permission
// action checked against the "annotation" resource.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"

	Resource = "annotation"
)

// Operation is one unacknowledged local mutation
type Operation struct {
	ID              id.OperationID    `json:"id"`
	IdempotencyKey  id.IdempotencyKey `json:"idempotencyKey"`
	Type            string            `json:"type"`
	EntityID        string            `json:"entityId"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	BaseVersion     int64             `json:"baseVersion"`
	Attempt         int               `json:"attempt"`
	ConflictRetries int               `json:"conflictRetries"`
	Status          Status            `json:"status"`
	Foreground      bool              `json:"foreground,omitempty"`
	Policy          string            `json:"policy"`
	Retryable       bool              `json:"retryable,omitempty"`
	LastError       string            `json:"lastError,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`

	policy Policy
}

// advance moves the operation to status, rejecting illegal moves
func (o *Operation) advance(to Status, now time.Time) error {
	for _, s := range statusTransitions[o.Status] {
		if s == to {
			o.Status = to
			o.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("operation %s: invalid transition %s -> %s", o.ID, o.Status, to)
}

// fail marks a sending or conflicted operation failed
func (o *Operation) fail(err error, retryable bool, now time.Time) error {
	if e := o.advance(StatusFailed, now); e != nil {
		return e
	}
	o.Retryable = retryable
	if err != nil {
		o.LastError = err.Error()
	}
	return nil
}

// requeue moves a retryable failure back to queued as a new attempt
func (o *Operation) requeue(now time.Time) error {
	if o.Status == StatusFailed && !o.Retryable {
		return fmt.Errorf("operation %s: terminal failure cannot be requeued", o.ID)
	}
	if err := o.advance(StatusQueued, now); err != nil {
		return err
	}
	o.Attempt++
	o.Retryable = false
	return nil
}

func (o *Operation) item() types.SyncItem {
	return types.SyncItem{
		OperationID:    o.ID.String(),
		IdempotencyKey: o.IdempotencyKey.String(),
		Type:           o.Type,
		EntityID:       o.EntityID,
		Payload:        o.Payload,
		BaseVersion:    o.BaseVersion,
	}
}

// clone copies the exported state for callers
func (o *Operation) clone() *Operation {
	c := *o
	c.Payload = append(json.RawMessage(nil), o.Payload...)
	return &c
}

// Mutation is what callers hand to Enqueue
type Mutation struct {
	Type           string
	EntityID       string
	Payload        interface{}
	BaseVersion    int64
	Foreground     bool
	IdempotencyKey id.IdempotencyKey
}

// Stats counts operation outcomes
type Stats struct {
	Queued    int `json:"queued"`
	InFlight  int `json:"inFlight"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Discarded int `json:"discarded"`
	Evicted   int `json:"evicted"`
	Held      int `json:"held"`
}

// State summarises what the manager is doing
type State string

const (
	StateIdle      State = "idle"
	StateSyncing   State = "syncing"
	StateBackoff   State = "backoff"
	StateOffline   State = "offline"
	StateSuspended State = "suspended"
	StateError     State = "error"
)

// SyncStatus exposes retry state for dashboards
type SyncStatus struct {
	State               State         `json:"state"`
	Online              bool          `json:"online"`
	Running             bool          `json:"running"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	NextRetryDelay      time.Duration `json:"nextRetryDelay"`
	NextRetryAt         *time.Time    `json:"nextRetryAt,omitempty"`
	LastSyncAt          *time.Time    `json:"lastSyncAt,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	PendingConflicts    int           `json:"pendingConflicts"`
	Stats               Stats         `json:"stats"`
}

// FlushResult summarises one round trip
type FlushResult struct {
	Sent      int           `json:"sent"`
	Applied   int           `json:"applied"`
	Conflicts int           `json:"conflicts"`
	Discarded int           `json:"discarded"`
	Failed    int           `json:"failed"`
	Requeued  int           `json:"requeued"`
	Held      int           `json:"held"`
	Duration  time.Duration `json:"duration"`
}

// DataLoss is the payload of sync:data-loss
type DataLoss struct {
	OperationID    id.OperationID    `json:"operationId"`
	IdempotencyKey id.IdempotencyKey `json:"idempotencyKey"`
	Type           string            `json:"type"`
	EntityID       string            `json:"entityId"`
	QueueSize      int               `json:"queueSize"`
}
