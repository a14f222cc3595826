package types

import "encoding/json"

// PermissionCheckRequest asks whether the current context grants an action
type PermissionCheckRequest struct {
	Action   string `json:"action" binding:"required"`
	Resource string `json:"resource" binding:"required"`
}

// PermissionCheckResponse answers a PermissionCheckRequest
type PermissionCheckResponse struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason,omitempty"`
}

// ConflictResolutionRequest settles a manual conflict
type ConflictResolutionRequest struct {
	Choice  string          `json:"choice" binding:"required,oneof=local remote merged"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FullscreenRequest enters or leaves fullscreen
type FullscreenRequest struct {
	Enabled bool `json:"enabled"`
}

// ResizeRequest asks for new frame dimensions
type ResizeRequest struct {
	Width  int `json:"width" binding:"required"`
	Height int `json:"height" binding:"required"`
}

// AnnotationEvent is the payload of annotation:* messages from the frame
type AnnotationEvent struct {
	ID             string          `json:"id"`
	Label          string          `json:"label,omitempty"`
	Text           string          `json:"text,omitempty"`
	Comment        string          `json:"comment,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	BaseVersion    int64           `json:"baseVersion"`
	Foreground     bool            `json:"foreground,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}
