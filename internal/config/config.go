// Copyright 2025 Archiver Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the archiver's YAML configuration in a
// single structured step: parse, substitute ${VAR[:-default]} environment
// references, merge defaults.* into each table, then validate every range
// eagerly so a bad config aborts before any I/O (a Configuration-class
// error, per the error taxonomy).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML document.
type Config struct {
	Version     string           `yaml:"version"`
	S3          S3Config         `yaml:"s3"`
	Defaults    Defaults         `yaml:"defaults"`
	Databases   []Database       `yaml:"databases"`
	Compliance  Compliance       `yaml:"compliance"`
	LegalHolds  LegalHoldsConfig `yaml:"legal_holds"`
	RestoreWM   RestoreWMConfig  `yaml:"restore_watermark"`

	// Warnings collects non-fatal issues found during validate(), e.g. a
	// database DSN embedding a password instead of using password_env. The
	// caller is responsible for logging these; Load itself never fails on
	// them (spec.md §6: "config-file credentials emit a warning").
	Warnings []string `yaml:"-"`
}

// S3Config configures the object-store adapter.
type S3Config struct {
	Bucket                    string `yaml:"bucket"`
	Endpoint                  string `yaml:"endpoint"`
	Region                    string `yaml:"region"`
	Prefix                    string `yaml:"prefix"`
	StorageClass              string `yaml:"storage_class"`
	Encryption                string `yaml:"encryption"` // SSE-S3 | SSE-KMS | none
	MultipartThresholdMB      int    `yaml:"multipart_threshold_mb"`
	RateLimitRequestsPerSec   int    `yaml:"rate_limit_requests_per_second"`
	LocalFallbackDir          string `yaml:"local_fallback_dir"`
	LocalFallbackRetentionDays int   `yaml:"local_fallback_retention_days"`
	// CircuitBreakerTimeoutSeconds is how long the breaker stays open before
	// probing again after tripping (spec.md §4.3's default T = 60s).
	CircuitBreakerTimeoutSeconds int `yaml:"circuit_breaker_timeout_seconds"`
	// MultipartStateDir holds resumable-upload state files, one per
	// in-progress upload key, so a restarted run can pick a part sequence
	// back up instead of re-uploading from part 1 (spec.md §4.3 "Resume:").
	MultipartStateDir string `yaml:"multipart_state_dir"`
}

// Defaults holds defaults.* options applied to every table unless a
// per-table override is present.
type Defaults struct {
	RetentionDays         int    `yaml:"retention_days"`
	SafetyBufferDays      int    `yaml:"safety_buffer_days"`
	BatchSize             int    `yaml:"batch_size"`
	SleepBetweenBatches   int    `yaml:"sleep_between_batches"`
	CompressionLevel      int    `yaml:"compression_level"`
	ParallelDatabases     bool   `yaml:"parallel_databases"`
	MaxParallelDatabases  int    `yaml:"max_parallel_databases"`
	ConnectionPoolSize    int    `yaml:"connection_pool_size"`
	LockType              string `yaml:"lock_type"` // postgresql | redis | file
	WatermarkStorageType  string `yaml:"watermark_storage_type"`
	CheckpointStorageType string `yaml:"checkpoint_storage_type"`
	CheckpointInterval    int    `yaml:"checkpoint_interval"`
	FailOnSchemaDrift     bool   `yaml:"fail_on_schema_drift"`
	SampleVerifyRate      float64 `yaml:"sample_verify_rate"`
	SampleVerifyFatal     bool   `yaml:"sample_verify_fatal"`
}

// Database describes one source database and its tables.
type Database struct {
	Name        string   `yaml:"name"`
	DSN         string   `yaml:"dsn"`
	PasswordEnv string   `yaml:"password_env"`
	Tables      []Table  `yaml:"tables"`
}

// Table describes one archivable table, with optional overrides of
// Defaults.
type Table struct {
	Name             string `yaml:"name"`
	TimestampColumn  string `yaml:"timestamp_column"`
	TimestampTZAware bool   `yaml:"timestamp_tz_aware"`
	PrimaryKey       string `yaml:"primary_key"`
	Critical         bool   `yaml:"critical"`

	RetentionDays       *int    `yaml:"retention_days"`
	SafetyBufferDays    *int    `yaml:"safety_buffer_days"`
	BatchSize           *int    `yaml:"batch_size"`
	SleepBetweenBatches *int    `yaml:"sleep_between_batches"`
	CompressionLevel    *int    `yaml:"compression_level"`
	CheckpointInterval  *int    `yaml:"checkpoint_interval"`
	FailOnSchemaDrift   *bool   `yaml:"fail_on_schema_drift"`
}

// Compliance holds organization-wide policy gates.
type Compliance struct {
	MinRetentionDays int  `yaml:"min_retention_days"`
	MaxRetentionDays int  `yaml:"max_retention_days"`
	EnforceEncryption bool `yaml:"enforce_encryption"`
}

// LegalHoldsConfig points at the legal-hold lookup source.
type LegalHoldsConfig struct {
	Source string `yaml:"source"` // "file" | "none"
	Path   string `yaml:"path"`
}

// RestoreWMConfig configures the restore-time skip-already-restored store.
type RestoreWMConfig struct {
	Enabled               bool   `yaml:"enabled"`
	StorageType           string `yaml:"storage_type"` // s3 | database | both
	UpdateAfterEachArchive bool  `yaml:"update_after_each_archive"`
}

// EffectiveTable is a Table with all defaults.* merged in, the view every
// downstream component consumes (the orchestrator never reads Defaults
// directly).
type EffectiveTable struct {
	Database            string
	Table               string
	TimestampColumn      string
	TimestampTZAware     bool
	PrimaryKey           string
	Critical             bool
	RetentionDays        int
	SafetyBufferDays     int
	BatchSize            int
	SleepBetweenBatches  int
	CompressionLevel     int
	CheckpointInterval   int
	FailOnSchemaDrift    bool
	SampleVerifyRate     float64
	SampleVerifyFatal    bool
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnv expands ${VAR} and ${VAR:-default} references in raw YAML
// text before parsing, so environment-dependent values (credentials, hosts)
// never need to be duplicated across environments.
func substituteEnv(raw []byte) []byte {
	return envRefPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envRefPattern.FindSubmatch(match)
		name := string(groups[1])
		def := string(groups[3])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		return []byte(def)
	})
}

// Load reads, substitutes, parses, and validates the configuration at path.
// Any failure is returned wrapped as a Configuration-class error so the
// caller can abort the run before any I/O, per the error taxonomy.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errtax.New(errtax.ClassConfiguration, fmt.Errorf("read config: %w", err))
	}

	expanded := substituteEnv(raw)

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, errtax.New(errtax.ClassConfiguration, fmt.Errorf("parse config: %w", err))
	}

	applyTopLevelDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, errtax.New(errtax.ClassConfiguration, err)
	}

	return &cfg, nil
}

// applyTopLevelDefaults fills in zero-valued Defaults fields with the
// package-level defaults, matching the teacher's DefaultConfig() pattern
// (pkg/ingestion/config.go) of a defaults constructor layered under
// whatever the user's YAML specified.
func applyTopLevelDefaults(cfg *Config) {
	d := &cfg.Defaults
	if d.SafetyBufferDays == 0 {
		d.SafetyBufferDays = 1
	}
	if d.BatchSize == 0 {
		d.BatchSize = 1000
	}
	if d.CompressionLevel == 0 {
		d.CompressionLevel = 6
	}
	if d.MaxParallelDatabases == 0 {
		d.MaxParallelDatabases = 1
	}
	if d.ConnectionPoolSize == 0 {
		d.ConnectionPoolSize = 5
	}
	if d.LockType == "" {
		d.LockType = "postgresql"
	}
	if d.WatermarkStorageType == "" {
		d.WatermarkStorageType = "database"
	}
	if d.CheckpointStorageType == "" {
		d.CheckpointStorageType = "local"
	}
	if d.CheckpointInterval == 0 {
		d.CheckpointInterval = 10
	}
	if d.SampleVerifyRate == 0 {
		d.SampleVerifyRate = 0.01
	}
	if cfg.S3.MultipartThresholdMB == 0 {
		cfg.S3.MultipartThresholdMB = 100
	}
	if cfg.S3.LocalFallbackRetentionDays == 0 {
		cfg.S3.LocalFallbackRetentionDays = 7
	}
	if cfg.S3.CircuitBreakerTimeoutSeconds == 0 {
		cfg.S3.CircuitBreakerTimeoutSeconds = 60
	}
	if cfg.S3.MultipartStateDir == "" {
		cfg.S3.MultipartStateDir = ".multipart_uploads"
	}
}

func (c *Config) validate() error {
	if c.Version != "1.0" && c.Version != "2.0" {
		return fmt.Errorf("version must be \"1.0\" or \"2.0\", got %q", c.Version)
	}
	if c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}
	if len(c.Databases) == 0 {
		return fmt.Errorf("at least one database is required")
	}
	if c.Defaults.MaxParallelDatabases > 10 {
		return fmt.Errorf("defaults.max_parallel_databases must be <= 10, got %d", c.Defaults.MaxParallelDatabases)
	}
	if c.Defaults.ConnectionPoolSize > 50 {
		return fmt.Errorf("defaults.connection_pool_size must be <= 50, got %d", c.Defaults.ConnectionPoolSize)
	}
	if c.Defaults.CompressionLevel < 1 || c.Defaults.CompressionLevel > 9 {
		return fmt.Errorf("defaults.compression_level must be in [1,9], got %d", c.Defaults.CompressionLevel)
	}
	switch c.Defaults.LockType {
	case "postgresql", "redis", "file":
	default:
		return fmt.Errorf("defaults.lock_type must be one of postgresql|redis|file, got %q", c.Defaults.LockType)
	}
	switch c.Defaults.WatermarkStorageType {
	case "s3", "database":
	default:
		return fmt.Errorf("defaults.watermark_storage_type must be one of s3|database, got %q", c.Defaults.WatermarkStorageType)
	}
	switch c.Defaults.CheckpointStorageType {
	case "s3", "local":
	default:
		return fmt.Errorf("defaults.checkpoint_storage_type must be one of s3|local, got %q", c.Defaults.CheckpointStorageType)
	}
	switch c.S3.Encryption {
	case "", "SSE-S3", "SSE-KMS", "none":
	default:
		return fmt.Errorf("s3.encryption must be one of SSE-S3|SSE-KMS|none, got %q", c.S3.Encryption)
	}
	if c.Compliance.MinRetentionDays > 0 && c.Compliance.MaxRetentionDays > 0 &&
		c.Compliance.MinRetentionDays > c.Compliance.MaxRetentionDays {
		return fmt.Errorf("compliance.min_retention_days (%d) exceeds max_retention_days (%d)",
			c.Compliance.MinRetentionDays, c.Compliance.MaxRetentionDays)
	}

	for di, db := range c.Databases {
		if db.Name == "" {
			return fmt.Errorf("databases[%d].name is required", di)
		}
		if db.DSN == "" {
			return fmt.Errorf("database %q: dsn is required", db.Name)
		}
		if strings.Contains(db.DSN, "password=") && db.PasswordEnv == "" {
			// Credentials came from the config file rather than the
			// environment; record the warning for the caller to surface but
			// do not abort (per spec.md §6: "config-file credentials emit
			// a warning").
			c.Warnings = append(c.Warnings, fmt.Sprintf("database %q embeds a password in dsn; prefer password_env", db.Name))
		}
		if len(db.Tables) == 0 {
			return fmt.Errorf("database %q: at least one table is required", db.Name)
		}
		for ti, t := range db.Tables {
			if t.Name == "" {
				return fmt.Errorf("database %q table[%d]: name is required", db.Name, ti)
			}
			if t.TimestampColumn == "" {
				return fmt.Errorf("database %q table %q: timestamp_column is required", db.Name, t.Name)
			}
			if t.PrimaryKey == "" {
				return fmt.Errorf("database %q table %q: primary_key is required", db.Name, t.Name)
			}
			retention := effectiveInt(t.RetentionDays, c.Defaults.RetentionDays)
			if c.Compliance.MinRetentionDays > 0 && retention < c.Compliance.MinRetentionDays {
				return fmt.Errorf("database %q table %q: retention_days %d below compliance minimum %d",
					db.Name, t.Name, retention, c.Compliance.MinRetentionDays)
			}
			if c.Compliance.MaxRetentionDays > 0 && retention > c.Compliance.MaxRetentionDays {
				return fmt.Errorf("database %q table %q: retention_days %d exceeds compliance maximum %d",
					db.Name, t.Name, retention, c.Compliance.MaxRetentionDays)
			}
			if t.Critical && c.Compliance.EnforceEncryption && c.S3.Encryption == "none" {
				return fmt.Errorf("database %q table %q is critical: s3.encryption must not be \"none\"",
					db.Name, t.Name)
			}
		}
	}
	return nil
}

func effectiveInt(override *int, def int) int {
	if override != nil {
		return *override
	}
	return def
}

func effectiveBool(override *bool, def bool) bool {
	if override != nil {
		return *override
	}
	return def
}

// Effective merges Defaults into a table's overrides, producing the single
// flat view the rest of the pipeline consumes.
func Effective(dbName string, d Defaults, t Table) EffectiveTable {
	return EffectiveTable{
		Database:            dbName,
		Table:                t.Name,
		TimestampColumn:      t.TimestampColumn,
		TimestampTZAware:     t.TimestampTZAware,
		PrimaryKey:           t.PrimaryKey,
		Critical:             t.Critical,
		RetentionDays:        effectiveInt(t.RetentionDays, d.RetentionDays),
		SafetyBufferDays:     effectiveInt(t.SafetyBufferDays, d.SafetyBufferDays),
		BatchSize:            effectiveInt(t.BatchSize, d.BatchSize),
		SleepBetweenBatches:  effectiveInt(t.SleepBetweenBatches, d.SleepBetweenBatches),
		CompressionLevel:     effectiveInt(t.CompressionLevel, d.CompressionLevel),
		CheckpointInterval:   effectiveInt(t.CheckpointInterval, d.CheckpointInterval),
		FailOnSchemaDrift:    effectiveBool(t.FailOnSchemaDrift, d.FailOnSchemaDrift),
		SampleVerifyRate:     d.SampleVerifyRate,
		SampleVerifyFatal:    d.SampleVerifyFatal,
	}
}
