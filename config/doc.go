// Package config handles loading and parsing of configuration from YAML files
// and environment variables. It defines the application configuration structure
// including server settings, the upstream list, selector mode, health check
// timing and logging.
package config
