// Package config loads, normalizes, and validates slabscan configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// SLABSCAN_GATEWAY_API_KEY and GEMINI_API_KEY. The Config type centralizes
// every knob the CLI, pipeline, matching engine and search engine need.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, bounded thresholds, and clear validation errors.
package config
