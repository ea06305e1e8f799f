// Package config loads and validates startup configuration from YAML
// with SYNAPSE_* environment overrides.
package config
