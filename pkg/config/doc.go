// Package config loads and validates the engine's YAML configuration
// and can watch the file for live reloads.
package config
