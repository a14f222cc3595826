// Package config loads service configuration from the environment
// (kelseyhightower/envconfig) with an optional YAML or TOML overlay file.
//
// Validate enforces the trust-boundary rules: the target origin is never a
// wildcard and must appear in the allowed origin list, signing needs a key,
// and every configured conflict policy is known.
package config
