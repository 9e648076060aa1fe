package config

// MemoryConfig configures the sqlite memory store and prompt context.
type MemoryConfig struct {
	DatabaseFile string `yaml:"database_file"` // relative to data_dir
	// RecentMessages is how many chat turns go into the system context.
	RecentMessages int `yaml:"recent_messages"`
}
