// Package config loads the host configuration from a YAML file and
// PLUGINHOST_* environment variables. Relative paths resolve against the
// directory holding the file.
package config
