package syncer

import (
	"encoding/json"
	"time"

	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/id"
)

// Policy names accepted in configuration
const (
	PolicyLastWriterWins = "last-writer-wins"
	PolicyLocalWins      = "local-wins"
	PolicyManual         = "manual"
)

// Action is what a resolution does with the local operation
type Action string

const (
	// ActionDiscard drops the local change; the remote version stands
	ActionDiscard Action = "discard"
	// ActionResend sends the local change again on top of the remote version
	ActionResend Action = "resend"
	// ActionDefer parks the operation until a person decides
	ActionDefer Action = "defer"
)

// Remote is the backend's current version of a conflicting entity
type Remote struct {
	Version int64
	Payload json.RawMessage
}

// Resolution is a policy's verdict on a conflict
type Resolution struct {
	Action      Action
	Payload     json.RawMessage
	BaseVersion int64
}

// Policy decides the outcome of a conflict. Bound to the operation when
// it is enqueued.
type Policy interface {
	Name() string
	Resolve(local *Operation, remote Remote) Resolution
}

// LastWriterWins lets the remote version win
type LastWriterWins struct{}

func (LastWriterWins) Name() string { return PolicyLastWriterWins }

func (LastWriterWins) Resolve(*Operation, Remote) Resolution {
	return Resolution{Action: ActionDiscard}
}

// LocalWins rebases the local change onto the remote version
type LocalWins struct{}

func (LocalWins) Name() string { return PolicyLocalWins }

func (LocalWins) Resolve(local *Operation, remote Remote) Resolution {
	return Resolution{Action: ActionResend, Payload: local.Payload, BaseVersion: remote.Version}
}

// Manual defers to ResolveConflictManually
type Manual struct{}

func (Manual) Name() string { return PolicyManual }

func (Manual) Resolve(*Operation, Remote) Resolution {
	return Resolution{Action: ActionDefer}
}

// PolicyByName maps a configured name to its strategy
func PolicyByName(name string) (Policy, error) {
	switch name {
	case PolicyLastWriterWins, "":
		return LastWriterWins{}, nil
	case PolicyLocalWins:
		return LocalWins{}, nil
	case PolicyManual:
		return Manual{}, nil
	default:
		return nil, fault.Newf(fault.KindValidation, "syncer.policy", "unknown conflict policy %q", name)
	}
}

// Choice is a person's answer to a manual conflict
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
	ChoiceMerged Choice = "merged"
)

// ManualResolution settles a Conflict. Payload is required for ChoiceMerged.
type ManualResolution struct {
	Choice  Choice
	Payload json.RawMessage
}

// Conflict is raised by the manual policy and resolved exactly once
type Conflict struct {
	ID            id.ConflictID   `json:"id"`
	OperationID   id.OperationID  `json:"operationId"`
	EntityID      string          `json:"entityId"`
	Type          string          `json:"type"`
	LocalVersion  int64           `json:"localVersion"`
	RemoteVersion int64           `json:"remoteVersion"`
	Local         json.RawMessage `json:"local,omitempty"`
	Remote        json.RawMessage `json:"remote,omitempty"`
	Policy        string          `json:"policy"`
	Resolution    Choice          `json:"resolution,omitempty"`
	Escalated     bool            `json:"escalated,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	ResolvedAt    *time.Time      `json:"resolvedAt,omitempty"`
}

// Resolved reports whether a resolution has been recorded
func (c *Conflict) Resolved() bool {
	return c.Resolution != ""
}
