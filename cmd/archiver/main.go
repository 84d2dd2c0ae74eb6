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

// Command archiver walks every configured database and table, archiving
// eligible rows to object storage and deleting them from the source once
// durably stored. Grounded on `original_source/src/archiver/archiver.py`'s
// CLI entrypoint and on the teacher CLI's pflag/FatalError/log-format
// conventions in cmd/cie/main.go.
//
// Usage:
//
//	archiver --config archiver.yaml [--dry-run] [--database db1] [--table orders]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/batch"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/checkpoint"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/config"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/driver"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/lock"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/logging"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/objectstore"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/orchestrator"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/policy"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/retry"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/sourcestore"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/watermark"
)

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "Path to archiver config YAML (required)")
		dryRun     = flag.Bool("dry-run", false, "Select and serialize batches without deleting source rows or committing checkpoints")
		onlyDB     = flag.String("database", "", "Restrict the run to one configured database")
		onlyTable  = flag.String("table", "", "Restrict the run to one table (requires --database)")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		logFormat  = flag.String("log-format", "console", "Log format: console, json")
		noColor    = flag.Bool("no-color", false, "Disable color status output")
	)
	flag.Parse()

	jsonMode := *logFormat == "json"
	log := logging.New(logging.ParseLevel(*logLevel), logging.Format(*logFormat))
	status := logging.NewStatus(logging.ColorEnabled(*noColor) && !jsonMode)

	if *configPath == "" {
		errtax.FatalError(errtax.New(errtax.ClassConfiguration, fmt.Errorf("--config is required")), jsonMode)
	}
	if *onlyTable != "" && *onlyDB == "" {
		errtax.FatalError(errtax.New(errtax.ClassConfiguration, fmt.Errorf("--table requires --database")), jsonMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		errtax.FatalError(err, jsonMode)
	}
	for _, w := range cfg.Warnings {
		log.Warn("config.validate.warning", "message", w)
	}

	objects, err := objectstore.New(ctx, objectConfig(cfg))
	if err != nil {
		errtax.FatalError(err, jsonMode)
	}

	legalHold, err := buildLegalHoldChecker(cfg)
	if err != nil {
		errtax.FatalError(err, jsonMode)
	}

	// One driver.Job per database: its tables always run sequentially under
	// that database's single lock (spec.md §4.7), so only different
	// databases are candidates for driver.Run's parallelism.
	var jobs []driver.Job
	for _, db := range cfg.Databases {
		if *onlyDB != "" && db.Name != *onlyDB {
			continue
		}
		source, err := sourcestore.Open(ctx, db.Name, db.DSN, cfg.Defaults.ConnectionPoolSize)
		if err != nil {
			errtax.FatalError(err, jsonMode)
		}
		defer source.Close()

		locks, err := buildLockManager(cfg, source)
		if err != nil {
			errtax.FatalError(err, jsonMode)
		}
		wmStore := buildWatermarkStore(cfg, objects, source)
		cpStore := buildCheckpointStore(cfg, objects)
		batches := batch.New(source)

		var runners []orchestrator.TableRunner
		var tableNames []string
		for _, t := range db.Tables {
			if *onlyTable != "" && t.Name != *onlyTable {
				continue
			}
			effective := config.Effective(db.Name, cfg.Defaults, t)
			runners = append(runners, &orchestrator.Runner{
				Source:     source,
				Objects:    objects,
				Batches:    batches,
				Watermark:  wmStore,
				Checkpoint: cpStore,
				LegalHold:  legalHold,
				Table:      effective,
				DryRun:     *dryRun,
				Log:        log,
			})
			tableNames = append(tableNames, t.Name)
		}
		if len(runners) == 0 {
			continue
		}

		dbRunner := &orchestrator.DatabaseRunner{Database: db.Name, Locks: locks, Runners: runners}
		jobs = append(jobs, driver.Job{
			Database: db.Name,
			Tables:   tableNames,
			Run:      dbRunner.Run,
		})
	}

	if len(jobs) == 0 {
		errtax.FatalError(errtax.New(errtax.ClassConfiguration, fmt.Errorf("no tables matched --database/--table filters")), jsonMode)
	}

	maxParallel := 1
	if cfg.Defaults.ParallelDatabases {
		maxParallel = cfg.Defaults.MaxParallelDatabases
	}

	reports := driver.Run(ctx, jobs, maxParallel)

	failed := false
	for _, r := range reports {
		switch r.Outcome {
		case driver.OutcomeSuccess:
			status.Success("%s: ok (%d tables)", r.Database, len(r.Tables))
		case driver.OutcomePartial:
			status.Warn("%s: partial (%d tables)", r.Database, len(r.Tables))
			failed = true
		case driver.OutcomeFailure:
			status.Fail("%s: failed (%d tables)", r.Database, len(r.Tables))
			failed = true
		}
		for _, t := range r.Tables {
			log.Info("archive.table.result",
				"database", t.Database, "table", t.Table, "status", t.Status,
				"rows_archived", t.RowsArchived, "rows_deleted", t.RowsDeleted, "error", errString(t.Err))
		}
	}

	if ctx.Err() != nil {
		errtax.FatalError(errtax.New(errtax.ClassCancellation, ctx.Err()), jsonMode)
	}
	if failed {
		errtax.FatalError(errtax.New(errtax.ClassInternal, fmt.Errorf("one or more tables failed")), jsonMode)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func objectConfig(cfg *config.Config) objectstore.Config {
	return objectstore.Config{
		Bucket:                  cfg.S3.Bucket,
		Endpoint:                cfg.S3.Endpoint,
		Region:                  cfg.S3.Region,
		Prefix:                  cfg.S3.Prefix,
		StorageClass:            cfg.S3.StorageClass,
		Encryption:              cfg.S3.Encryption,
		MultipartThresholdBytes: int64(cfg.S3.MultipartThresholdMB) * 1024 * 1024,
		RateLimitPerSecond:      float64(cfg.S3.RateLimitRequestsPerSec),
		LocalFallbackDir:        cfg.S3.LocalFallbackDir,
		RetryConfig:             retry.DefaultConfig(),
		CircuitBreakerTimeout:   time.Duration(cfg.S3.CircuitBreakerTimeoutSeconds) * time.Second,
		MultipartStateDir:       cfg.S3.MultipartStateDir,
	}
}

func buildLegalHoldChecker(cfg *config.Config) (policy.LegalHoldChecker, error) {
	switch cfg.LegalHolds.Source {
	case "file":
		return policy.LoadFileLegalHoldChecker(cfg.LegalHolds.Path)
	default:
		return policy.NoopLegalHoldChecker{}, nil
	}
}

func buildLockManager(cfg *config.Config, source *sourcestore.Store) (lock.Manager, error) {
	switch cfg.Defaults.LockType {
	case "redis":
		addr := os.Getenv("ARCHIVER_REDIS_ADDR")
		return lock.NewRedisManager(addr, os.Getenv("ARCHIVER_REDIS_PASSWORD"), 0, "archiver"), nil
	case "file":
		dir := os.Getenv("ARCHIVER_LOCK_DIR")
		if dir == "" {
			dir = "/var/run/archiver/locks"
		}
		return lock.NewFileManager(dir), nil
	default:
		return lock.NewPostgresManager(source), nil
	}
}

func buildWatermarkStore(cfg *config.Config, objects *objectstore.Store, source *sourcestore.Store) watermark.Store {
	if cfg.Defaults.WatermarkStorageType == "s3" {
		return watermark.NewObjectStore(objects)
	}
	return watermark.NewDatabaseStore(source, "archive_watermarks")
}

func buildCheckpointStore(cfg *config.Config, objects *objectstore.Store) checkpoint.Store {
	if cfg.Defaults.CheckpointStorageType == "s3" {
		return checkpoint.NewObjectStore(objects)
	}
	dir := os.Getenv("ARCHIVER_CHECKPOINT_DIR")
	if dir == "" {
		dir = "/var/lib/archiver/checkpoints"
	}
	return checkpoint.NewLocalStore(dir)
}
