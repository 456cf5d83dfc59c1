// Package config loads and validates the service configuration.
//
// Resolution order is defaults, then an optional YAML file, then
// environment variables. Each overridable field names its environment
// variable with a literal `env` tag, because the recognised variables
// (ASSIST_API_KEY, HMAC_MAX_SKEW_MS, ISL_BASE_URL, ...) share no common
// prefix. Validation clamps the engine timeout and retry counts to their
// documented ranges rather than rejecting out-of-range values.
//
// The package also provides a polling file watcher used to trigger
// API-key hot reloads.
package config
