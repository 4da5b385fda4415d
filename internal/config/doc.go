// Package config loads and validates the TOML configuration for the
// syntheme daemon and CLI. Paths are expanded (including ~) and the
// embedded sample config documents every recognized option.
package config
