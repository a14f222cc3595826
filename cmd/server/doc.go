// Package main runs the annotation bridge host.
//
// The host embeds a third-party annotation tool, opens an origin-checked
// message channel to it, pushes the annotation context, and syncs the
// tool's edits to the annotation backend.
//
// Architecture:
//
//	Annotation tool (frame) ⇄ WebSocket /frame/connect ⇄ Bridge
//	                                                     → Workspace → Sync → Backend
//	Dashboards → REST (/frame, /context, /sync, /ui) → Workspace
//
// Configuration:
//   - Environment variables (12-factor)
//   - YAML or TOML file via CONFIG_FILE or -config
//   - CLI flags override both
//
// Usage:
//
//	./server -port 8000 -config bridge.yaml
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown; the sync queue is persisted
//     when SYNC_SNAPSHOT_PATH is set
package main
