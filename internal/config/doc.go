// Package config loads the daemon configuration from a JSON or YAML file,
// fills in defaults relative to the file's directory, and applies
// environment overrides for secrets.
package config
