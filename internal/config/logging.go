package config

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	// Categories with an explicit false are silenced; unlisted ones log.
	Categories map[string]bool `yaml:"categories"`
}
