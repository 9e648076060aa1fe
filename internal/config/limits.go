package config

// LimitsConfig bounds concurrency, iterations and timeouts.
type LimitsConfig struct {
	Workers        int    `yaml:"workers"`          // concurrent task workers
	QueueSize      int    `yaml:"queue_size"`       // pending task capacity
	MaxIterations  int    `yaml:"max_iterations"`   // model calls per task
	ToolTimeout    string `yaml:"tool_timeout"`     // default per-tool timeout
	PanicTimeout   string `yaml:"panic_timeout"`    // bound on panic completion
	DrainTimeout   string `yaml:"drain_timeout"`    // graceful stop before restart
	MaxRetries     int    `yaml:"max_retries"`      // attempts for transient model errors
	RetryBaseDelay string `yaml:"retry_base_delay"` // first backoff
	MaxToolOutput  int    `yaml:"max_tool_output"`  // chars kept from one tool result
}
