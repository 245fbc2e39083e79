// Package config loads the courierd daemon configuration from a TOML file.
//
// Load starts from Default, decodes the file over it, normalizes paths and
// enumerations, and validates the result. A missing file is not an error:
// the defaults run an in-memory daemon.
package config
