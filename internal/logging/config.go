package logging

import (
	"embedded-kvstore/internal/config"
)

// DevelopmentLoggingConfig returns logging configuration optimized for development
func DevelopmentLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:                 "debug",
		Format:                "console",
		Output:                "stderr",
		EnableDatabaseLogging: true,
	}
}

// ProductionLoggingConfig returns logging configuration optimized for production
func ProductionLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:                 "info",
		Format:                "json",
		Output:                "stderr",
		EnableDatabaseLogging: false,
	}
}

// TestLoggingConfig returns logging configuration optimized for testing
func TestLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:                 "error", // Minimal logging during tests
		Format:                "json",
		Output:                "stderr",
		EnableDatabaseLogging: false,
	}
}

// SetupEnvironmentLogging configures logging based on environment
func SetupEnvironmentLogging(cfg *config.Config, environment string) {
	switch environment {
	case "development", "dev":
		cfg.Logging = DevelopmentLoggingConfig()
	case "production", "prod":
		cfg.Logging = ProductionLoggingConfig()
	case "test", "testing":
		cfg.Logging = TestLoggingConfig()
	}
}
