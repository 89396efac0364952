package testsupport

import (
	"path/filepath"
	"testing"

	"slabscan/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Gateway.APIKey = "test"
	cfgVal.Gateway.RetryAttempts = 1
	cfgVal.Gemini.Enabled = false
	cfgVal.Search.DebounceMS = 5

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithMatchingMode selects local or remote candidate sourcing.
func WithMatchingMode(mode string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Matching.Mode = mode
	}
}

// WithThreshold overrides the auto-accept threshold and tie epsilon.
func WithThreshold(threshold, epsilon float64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Matching.AutoAcceptThreshold = threshold
		b.cfg.Matching.TieEpsilon = epsilon
	}
}

// WithMaxRestitch overrides the re-stitch bound.
func WithMaxRestitch(limit int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.MaxRestitchAttempts = limit
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
