// Package config loads and validates the gatherer's YAML configuration.
//
// Files may reference environment variables with ${VAR}; they are expanded
// before parsing. Use LoadAndValidate in binaries.
package config
