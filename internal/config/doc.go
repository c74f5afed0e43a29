// Package config loads the daemon, simulator and CLI settings from a YAML
// (or JSON) file, applies defaults and validates the result.
package config
