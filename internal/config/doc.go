// Package config provides centralized configuration management for the
// ledger daemon: listener addresses, storage and event drivers, guardian
// membership, monitor thresholds, and logging options loaded from a single
// JSON file with sensible defaults.
package config
