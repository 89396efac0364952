package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var knownOperations = map[string]struct{}{
	"upload": {}, "extract": {}, "reconcile": {}, "restitch": {}, "ocr": {},
	"distribute": {}, "match": {}, "select": {}, "approve": {},
	"delete_scans": {}, "delete_stitched": {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateGateway(); err != nil {
		return err
	}
	if err := c.validateGemini(); err != nil {
		return err
	}
	if err := c.validateMatching(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return c.validateInvalidation()
}

func (c *Config) validateGateway() error {
	parsed, err := url.Parse(c.Gateway.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("gateway.base_url must be an absolute URL, got %q", c.Gateway.BaseURL)
	}
	return nil
}

func (c *Config) validateGemini() error {
	if c.Gemini.Enabled && strings.TrimSpace(c.Gemini.APIKey) == "" {
		return errors.New("gemini.api_key must be set when gemini.enabled is true (or export GEMINI_API_KEY)")
	}
	return nil
}

func (c *Config) validateMatching() error {
	switch c.Matching.Mode {
	case "local", "remote":
	default:
		return fmt.Errorf("matching.mode must be \"local\" or \"remote\", got %q", c.Matching.Mode)
	}
	if c.Matching.AutoAcceptThreshold <= 0 || c.Matching.AutoAcceptThreshold > 1 {
		return errors.New("matching.auto_accept_threshold must be in (0, 1]")
	}
	if c.Matching.TieEpsilon < 0 || c.Matching.TieEpsilon >= 1 {
		return errors.New("matching.tie_epsilon must be in [0, 1)")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateInvalidation() error {
	for op := range c.Invalidation.Extra {
		if _, ok := knownOperations[op]; !ok {
			return fmt.Errorf("invalidation.extra: unknown operation %q", op)
		}
	}
	return nil
}
