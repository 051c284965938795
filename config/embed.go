// Package config provides the embedded default security configuration.
package config

import (
	_ "embed"
)

// DefaultSecurityYAML contains the embedded default configuration in YAML format.
// It is written to the data directory by "edgeguard config init".
//
//go:embed security.default.yaml
var DefaultSecurityYAML []byte
