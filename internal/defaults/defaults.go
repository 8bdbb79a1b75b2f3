// Package defaults provides embedded copies of the starter files
// written by the agrifarm init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// DotEnv is the example .env file with the variables deployments set.
//
//go:embed env.example
var DotEnv []byte
