// Package config loads worker configuration from YAML files and
// environment variables. Precedence order: defaults < YAML file <
// environment variables.
package config
