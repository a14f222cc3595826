// Package workspace wires the frame, bridge, access, sync and ui layers
// into one session with the embedded annotation tool.
//
// Open loads the frame, runs the bridge handshake and pushes the current
// context as context:set. While open:
//   - annotation:created, annotation:updated and annotation:deleted
//     messages are sanitized, re-emitted on the bus and queued for sync
//     in arrival order
//   - context:get, context:refresh, permission:check and
//     ui:resize-request requests are answered
//   - context changes are pushed to the frame
//
// A frame that disconnects detaches the workspace: sync is suspended and
// the bridge closed. The next Open requeues whatever was in flight.
package workspace
