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

// Command restore loads one archived batch, or every archived batch under a
// database/table prefix, back into a target database. Grounded on
// `original_source/src/restore/restore_engine.py`'s CLI entrypoint and on
// the teacher CLI's pflag conventions in cmd/cie/main.go.
//
// Usage:
//
//	restore --config archiver.yaml --database db1 --table orders --s3-key db1/orders/year=2025/month=01/day=01/orders_20250101T000000Z_batch_001.jsonl.gz
//	restore --config archiver.yaml --database db1 --table orders --restore-all
//	restore --config archiver.yaml --database db1 --table orders          # list mode: prints matching archive keys
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/config"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/logging"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/migrator"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/objectstore"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/restore"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/restorewatermark"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/retry"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/sourcestore"
)

func main() {
	var (
		configPath    = flag.StringP("config", "c", "", "Path to archiver config YAML (required)")
		database      = flag.String("database", "", "Source database name as configured (required)")
		table         = flag.String("table", "", "Table to restore into; defaults to the archive's own table name")
		s3Key             = flag.String("s3-key", "", "Restore exactly one archive by its data object key")
		restoreAll        = flag.Bool("restore-all", false, "Restore every archive under database/table not yet restored")
		schema            = flag.String("schema", "", "Target schema to restore into, if not the table's default search_path schema")
		conflict          = flag.String("conflict-strategy", "skip", "skip, overwrite, upsert, or fail")
		migrationMode     = flag.String("schema-migration-strategy", "lenient", "strict, lenient, transform, or none")
		batchSize         = flag.Int("batch-size", 1000, "Rows per INSERT batch")
		commitFreq        = flag.Int("commit-frequency", 1, "Accepted for compatibility; has no effect, each archive is restored in its own transaction")
		dropIndexes       = flag.Bool("drop-indexes", false, "Drop and recreate indexes around the bulk load")
		noChecksum        = flag.Bool("no-validate-checksum", false, "Skip the archive's own checksum verification")
		noDetectConflicts = flag.Bool("no-detect-conflicts", false, "Skip the pre-insert conflict count under the skip strategy")
		dryRun            = flag.Bool("dry-run", false, "Parse and validate without writing to the target table")
		ignoreWM          = flag.Bool("ignore-watermark", false, "Restore archives even if the restore watermark marks them done")
		startDate         = flag.String("start-date", "", "Only restore archives on or after this date (YYYY-MM-DD)")
		endDate           = flag.String("end-date", "", "Only restore archives on or before this date (YYYY-MM-DD)")
		logLevel          = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		logFormat         = flag.String("log-format", "console", "Log format: console, json")
		noColor           = flag.Bool("no-color", false, "Disable color status output")
	)
	flag.Parse()

	jsonMode := *logFormat == "json"
	log := logging.New(logging.ParseLevel(*logLevel), logging.Format(*logFormat))
	status := logging.NewStatus(logging.ColorEnabled(*noColor) && !jsonMode)

	if *configPath == "" || *database == "" {
		errtax.FatalError(errtax.New(errtax.ClassConfiguration, fmt.Errorf("--config and --database are required")), jsonMode)
	}

	// Neither --s3-key nor --restore-all: list mode, enumerate matching
	// archives and print them without restoring anything (spec.md §6 CLI
	// surface: "list mode (neither, with --database/--table)").
	listOnly := *s3Key == "" && !*restoreAll

	var startAt, endAt time.Time
	if *startDate != "" {
		t, perr := time.Parse("2006-01-02", *startDate)
		if perr != nil {
			errtax.FatalError(errtax.New(errtax.ClassConfiguration, fmt.Errorf("--start-date: %w", perr)), jsonMode)
		}
		startAt = t
	}
	if *endDate != "" {
		t, perr := time.Parse("2006-01-02", *endDate)
		if perr != nil {
			errtax.FatalError(errtax.New(errtax.ClassConfiguration, fmt.Errorf("--end-date: %w", perr)), jsonMode)
		}
		endAt = t
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

	var dsn string
	for _, db := range cfg.Databases {
		if db.Name == *database {
			dsn = db.DSN
		}
	}
	if dsn == "" {
		errtax.FatalError(errtax.New(errtax.ClassConfiguration, fmt.Errorf("database %q not found in config", *database)), jsonMode)
	}

	target, err := sourcestore.Open(ctx, *database, dsn, cfg.Defaults.ConnectionPoolSize)
	if err != nil {
		errtax.FatalError(err, jsonMode)
	}
	defer target.Close()

	objects, err := objectstore.New(ctx, objectConfig(cfg))
	if err != nil {
		errtax.FatalError(err, jsonMode)
	}

	engine := restore.New(target, objects)

	opts := restore.Options{
		Table:                   *table,
		Schema:                  *schema,
		ConflictStrategy:        sourcestore.ConflictStrategy(*conflict),
		SchemaMigrationStrategy: migrator.Strategy(*migrationMode),
		BatchSize:               *batchSize,
		CommitFrequency:         *commitFreq,
		DropIndexes:             *dropIndexes,
		ValidateChecksum:        !*noChecksum,
		DetectConflicts:         !*noDetectConflicts,
		DryRun:                  *dryRun,
	}

	var wmStore restorewatermark.Store
	if cfg.RestoreWM.Enabled {
		wmStore = buildRestoreWatermarkStore(cfg, objects, target)
	}

	keys := []string{}
	if *s3Key != "" {
		keys = append(keys, *s3Key)
	} else {
		prefix := objects.ControlKey(*database, *table, "")
		all, err := objects.List(ctx, prefix)
		if err != nil {
			errtax.FatalError(err, jsonMode)
		}
		for _, k := range all {
			if !objectstore.IsDataKey(k) {
				continue
			}
			if t, ok := restorewatermark.ExtractDate(k); ok {
				if !startAt.IsZero() && t.Before(startAt) {
					continue
				}
				if !endAt.IsZero() && t.After(endAt) {
					continue
				}
			}
			keys = append(keys, k)
		}
	}

	if listOnly {
		for _, k := range keys {
			fmt.Println(k)
		}
		return
	}

	failed := false
	var wm *restorewatermark.Watermark
	if wmStore != nil {
		wm, _ = wmStore.Load(ctx, *database, *table)
	}

	for _, key := range keys {
		if wmStore != nil && !*ignoreWM && !restorewatermark.ShouldRestore(key, wm) {
			log.Info("restore.archive.skipped", "reason", "already_restored", "key", key)
			continue
		}

		result, err := engine.RestoreArchive(ctx, key, opts)
		if err != nil {
			status.Fail("%s: %v", key, err)
			log.Error("restore.archive.failed", "key", key, "error", err)
			failed = true
			continue
		}

		status.Success("%s: restored %d/%d rows", key, result.RecordsRestored, result.RecordsProcessed)
		log.Info("restore.archive.done",
			"key", key, "records_processed", result.RecordsProcessed,
			"records_restored", result.RecordsRestored, "records_skipped", result.RecordsSkipped,
			"records_failed", result.RecordsFailed, "conflicts_detected", result.ConflictsDetected,
			"dry_run", result.DryRun)
		if len(result.IndexRestoreErrors) > 0 {
			log.Warn("restore.indexes.restore_failed", "key", key, "errors", result.IndexRestoreErrors)
		}

		if wmStore != nil && !*dryRun && cfg.RestoreWM.UpdateAfterEachArchive {
			total := 0
			if wm != nil {
				total = wm.TotalArchivesRestored
			}
			next := restorewatermark.Watermark{
				Database:              *database,
				Table:                 *table,
				LastRestoredS3Key:     key,
				TotalArchivesRestored: total + 1,
			}
			if t, ok := restorewatermark.ExtractDate(key); ok {
				next.LastRestoredDate = t
			}
			if err := wmStore.Save(ctx, next); err != nil {
				log.Warn("restore.watermark.save_failed", "error", err)
			} else {
				wm = &next
			}
		}
	}

	if ctx.Err() != nil {
		errtax.FatalError(errtax.New(errtax.ClassCancellation, ctx.Err()), jsonMode)
	}
	if failed {
		errtax.FatalError(errtax.New(errtax.ClassInternal, fmt.Errorf("one or more archives failed to restore")), jsonMode)
	}
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

func buildRestoreWatermarkStore(cfg *config.Config, objects *objectstore.Store, target *sourcestore.Store) restorewatermark.Store {
	switch cfg.RestoreWM.StorageType {
	case "s3":
		return restorewatermark.NewObjectStore(objects)
	case "both":
		return restorewatermark.NewBoth(
			restorewatermark.NewObjectStore(objects),
			restorewatermark.NewDatabaseStore(target, "restore_watermarks"),
		)
	default:
		return restorewatermark.NewDatabaseStore(target, "restore_watermarks")
	}
}
