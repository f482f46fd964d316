// Package config provides centralized configuration management for the
// ChainPilot runtime. Settings are read from a YAML file, completed with
// defaults, and selected secrets may be supplied through environment
// variables (optionally loaded from a .env file by the daemon).
package config
