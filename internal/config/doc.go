// Package config handles configuration loading, parsing, and validation
// from environment variables (SCRY_ prefix) and an optional config.yaml.
// It provides type-safe access to the settings of the batch service while
// keeping configuration details separate from business logic.
package config
