package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"embedded-kvstore/internal/compression"
	"embedded-kvstore/pkg/kvdb"
)

type Config struct {
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Backup  BackupConfig  `yaml:"backup" json:"backup"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

type StorageConfig struct {
	DataPath        string        `yaml:"data_path" json:"data_path"`
	InMemory        bool          `yaml:"in_memory" json:"in_memory"`
	SyncWrites      bool          `yaml:"sync_writes" json:"sync_writes"`
	CreateIfMissing bool          `yaml:"create_if_missing" json:"create_if_missing"`
	TTL             time.Duration `yaml:"ttl" json:"ttl"` // 0 = entries never expire
	// Column families opened with a merge operator. Families not listed here
	// still open; they just reject Merge.
	ColumnFamilies []ColumnFamilyConfig `yaml:"column_families" json:"column_families"`
}

type ColumnFamilyConfig struct {
	Name          string `yaml:"name" json:"name"`
	MergeOperator string `yaml:"merge_operator" json:"merge_operator"`
}

type BackupConfig struct {
	Path        string `yaml:"path" json:"path"`
	Compression string `yaml:"compression" json:"compression"`
	ChunkSize   int    `yaml:"chunk_size" json:"chunk_size"` // uncompressed bytes per chunk file
	Keep        int    `yaml:"keep" json:"keep"`             // backups kept by backup-purge
}

type LoggingConfig struct {
	Level                 string `yaml:"level" json:"level"`
	Format                string `yaml:"format" json:"format"`
	Output                string `yaml:"output" json:"output"`
	EnableDatabaseLogging bool   `yaml:"enable_database_logging" json:"enable_database_logging"`
}

func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataPath:        "./data/kvdb",
			InMemory:        false,
			SyncWrites:      false,
			CreateIfMissing: true,
			TTL:             0,
			ColumnFamilies:  []ColumnFamilyConfig{},
		},
		Backup: BackupConfig{
			Path:        "./backups",
			Compression: "zstd",
			ChunkSize:   kvdb.DefaultChunkSize,
			Keep:        5,
		},
		Logging: LoggingConfig{
			Level:                 "info",
			Format:                "json",
			Output:                "stderr",
			EnableDatabaseLogging: false,
		},
	}
}

func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

func loadFromEnvironment(config *Config) {
	// Storage configuration
	if dataPath := os.Getenv("KV_STORAGE_DATA_PATH"); dataPath != "" {
		config.Storage.DataPath = dataPath
	}
	if inMemory := os.Getenv("KV_STORAGE_IN_MEMORY"); inMemory != "" {
		if b, err := strconv.ParseBool(inMemory); err == nil {
			config.Storage.InMemory = b
		}
	}
	if syncWrites := os.Getenv("KV_STORAGE_SYNC_WRITES"); syncWrites != "" {
		if b, err := strconv.ParseBool(syncWrites); err == nil {
			config.Storage.SyncWrites = b
		}
	}
	if ttl := os.Getenv("KV_STORAGE_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			config.Storage.TTL = d
		}
	}

	// Backup configuration
	if path := os.Getenv("KV_BACKUP_PATH"); path != "" {
		config.Backup.Path = path
	}
	if codec := os.Getenv("KV_BACKUP_COMPRESSION"); codec != "" {
		config.Backup.Compression = codec
	}
	if keep := os.Getenv("KV_BACKUP_KEEP"); keep != "" {
		if n, err := strconv.Atoi(keep); err == nil {
			config.Backup.Keep = n
		}
	}

	// Logging configuration
	if level := os.Getenv("KV_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("KV_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("KV_LOG_OUTPUT"); output != "" {
		config.Logging.Output = output
	}
}

func (c *Config) Validate() error {
	// Storage validation
	if !c.Storage.InMemory && c.Storage.DataPath == "" {
		return fmt.Errorf("data path cannot be empty when not using in-memory storage")
	}
	if c.Storage.TTL < 0 {
		return fmt.Errorf("ttl cannot be negative: %s", c.Storage.TTL)
	}
	seen := make(map[string]bool)
	for _, cf := range c.Storage.ColumnFamilies {
		if cf.Name == "" {
			return fmt.Errorf("column family name cannot be empty")
		}
		if seen[cf.Name] {
			return fmt.Errorf("duplicate column family: %s", cf.Name)
		}
		seen[cf.Name] = true
		if cf.MergeOperator != "" {
			if _, ok := kvdb.LookupMergeOperator(cf.MergeOperator); !ok {
				return fmt.Errorf("unknown merge operator %q for column family %s", cf.MergeOperator, cf.Name)
			}
		}
	}

	// Backup validation
	if c.Backup.Path == "" {
		return fmt.Errorf("backup path cannot be empty")
	}
	if _, err := compression.Parse(c.Backup.Compression); err != nil {
		return fmt.Errorf("invalid backup compression: %w", err)
	}
	if c.Backup.ChunkSize < 0 {
		return fmt.Errorf("backup chunk size cannot be negative: %d", c.Backup.ChunkSize)
	}
	if c.Backup.Keep < 0 {
		return fmt.Errorf("backup keep count cannot be negative: %d", c.Backup.Keep)
	}

	// Logging validation
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// KVDBOptions builds the options Open takes from the storage section.
func (s StorageConfig) KVDBOptions() *kvdb.Options {
	opts := kvdb.DefaultOptions()
	opts.CreateIfMissing = s.CreateIfMissing
	opts.InMemory = s.InMemory
	opts.SyncWrites = s.SyncWrites
	opts.TTL = s.TTL
	for _, cf := range s.ColumnFamilies {
		if cf.MergeOperator == "" {
			continue
		}
		op, ok := kvdb.LookupMergeOperator(cf.MergeOperator)
		if !ok {
			continue
		}
		if opts.MergeOperators == nil {
			opts.MergeOperators = make(map[string]kvdb.MergeOperator)
		}
		opts.MergeOperators[cf.Name] = op
	}
	return opts
}

// BackupOptions builds the options NewBackupEngine takes.
func (b BackupConfig) BackupOptions() kvdb.BackupOptions {
	return kvdb.BackupOptions{Compression: b.Compression, ChunkSize: b.ChunkSize}
}

func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
