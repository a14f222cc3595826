// Package backend provides the collaborators behind the sync and context
// layers: an HTTP client for the annotation backend and an in-process
// Memory backend with the same contract.
//
// The contract has two calls:
//   - POST /sync/batch: operations keyed by idempotency key, answered
//     per operation with applied, conflict or rejected and the entity's
//     current version
//   - POST /context/refresh: re-issues the annotation context
package backend
