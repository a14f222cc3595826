// Package access holds the annotation context and answers permission
// questions against it.
//
// Permissions are a tagged variant over {Exact, ResourceWildcard,
// ActionWildcard, Full}. Evaluation checks the variants in that order and
// denies by default; entries with Allowed=false grant nothing. A context
// is stale once now > timestamp+ttl and grants nothing until refreshed.
package access
