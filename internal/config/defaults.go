package config

const (
	defaultConfigPath          = "~/.config/slabscan/config.toml"
	defaultDataDir             = "~/.local/share/slabscan"
	defaultLogDir              = "~/.local/share/slabscan/logs"
	defaultAPIBind             = "127.0.0.1:7580"
	defaultGatewayBaseURL      = "http://127.0.0.1:8080"
	defaultGatewayTimeout      = 60
	defaultGatewayRetries      = 3
	defaultGeminiModel         = "gemini-2.5-pro"
	defaultMatchingMode        = "local"
	defaultAutoAcceptThreshold = 0.85
	defaultTieEpsilon          = 0.05
	defaultMaxCandidates       = 25
	defaultDebounceMS          = 300
	defaultMinQueryLength      = 2
	defaultMaxSuggestions      = 10
	defaultConcurrency         = 4
	defaultMaxRestitch         = 3
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Gateway: Gateway{
			BaseURL:        defaultGatewayBaseURL,
			TimeoutSeconds: defaultGatewayTimeout,
			RetryAttempts:  defaultGatewayRetries,
		},
		Gemini: Gemini{
			Model: defaultGeminiModel,
		},
		Matching: Matching{
			Mode:                defaultMatchingMode,
			AutoAcceptThreshold: defaultAutoAcceptThreshold,
			TieEpsilon:          defaultTieEpsilon,
			MaxCandidates:       defaultMaxCandidates,
		},
		Search: Search{
			DebounceMS:     defaultDebounceMS,
			MinQueryLength: defaultMinQueryLength,
			MaxSuggestions: defaultMaxSuggestions,
		},
		Pipeline: Pipeline{
			Concurrency:         defaultConcurrency,
			MaxRestitchAttempts: defaultMaxRestitch,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
