// Package types provides the wire structures shared by the sync layer,
// the backend client and the HTTP API.
//
// Sync Types:
//   - SyncItem, SyncResult: one operation and its backend verdict
//   - BatchRequest, BatchResponse: the batch-sync call
//
// Request Types:
//   - PermissionCheckRequest/Response: capability queries
//   - ConflictResolutionRequest: manual conflict settlement
//   - FullscreenRequest, ResizeRequest: presentation commands
//   - AnnotationEvent: annotation:* payloads from the frame
package types
