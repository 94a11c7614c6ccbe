// Package config loads the hearthd YAML configuration.
//
// Loading order: built-in defaults, then the YAML file, then HEARTHD_*
// environment variables. Command-line flags are applied by the caller
// after Load and before Validate.
package config
