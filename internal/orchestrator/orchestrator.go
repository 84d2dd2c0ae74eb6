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

// Package orchestrator is the Archive Orchestrator (C8): the per-table
// state machine S0 PREFLIGHT through S9 CLEANUP, grounded on
// `original_source/src/archiver/archiver.py`'s `_process_batch` /
// `archive_table` loop and on the teacher's own cmd/cie pipeline driver
// for the overall "acquire resources, loop, release resources" shape.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/batch"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/checkpoint"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/codec"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/config"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/drift"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/lock"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/manifest"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/metadata"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/objectstore"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/policy"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/sampleverify"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/sourcestore"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/watermark"
)

// Status is the terminal outcome of one table's run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result summarizes one table's run for the driver's (C9) aggregated report.
type Result struct {
	Database         string
	Table            string
	Status           Status
	SkipReason       string
	BatchesProcessed int
	RowsArchived     int64
	RowsDeleted      int64
	Drift            *drift.Report
	SampleVerifyFails int
	Err              error
}

// Runner executes the state machine for one (database, table) pair. Build
// one per table; it is not safe for concurrent reuse across tables.
//
// Runner does not acquire its own lock: spec.md §4.7 requires a single
// database's tables to run sequentially under one database-level lock, so
// the lock is acquired once by DatabaseRunner and handed to each table's
// Runner as Handle.
type Runner struct {
	Source     *sourcestore.Store
	Objects    *objectstore.Store
	Batches    *batch.Processor
	Watermark  watermark.Store
	Checkpoint checkpoint.Store
	Handle     *lock.Handle
	LegalHold  policy.LegalHoldChecker
	Table      config.EffectiveTable
	DryRun     bool
	Log        *slog.Logger

	// Clock is injectable for tests; production callers leave it nil and
	// get time.Now.
	Clock func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

// lost returns the shared database lock's loss channel, or a channel that
// never fires if Run is being exercised without a Handle (e.g. tests).
func (r *Runner) lost() <-chan struct{} {
	if r.Handle == nil {
		return nil
	}
	return r.Handle.Lost()
}

// Run executes S0 through S9 for the table, under its lock, until no more
// eligible rows remain or a fatal error stops it.
func (r *Runner) Run(ctx context.Context) Result {
	res := Result{Database: r.Table.Database, Table: r.Table.Table}
	log := r.Log.With("database", r.Table.Database, "table", r.Table.Table)

	// S0 PREFLIGHT. Retention-range and critical-table-encryption gates are
	// static and already enforced by config.Config.Validate at load time;
	// the only preflight check that depends on runtime state is the legal
	// hold, consulted here.
	if err := policy.RequireNotOnHold(ctx, r.LegalHold, r.Table.Database, r.Table.Table); err != nil {
		if errtax.ClassOf(err) == errtax.ClassPolicyGate {
			log.Info("archive.table.skipped", "reason", "legal_hold", "error", err)
			res.Status = StatusSkipped
			res.SkipReason = "legal_hold"
			return res
		}
		res.Status = StatusFailed
		res.Err = err
		return res
	}

	resource := r.Table.Database
	if r.Handle != nil {
		resource = r.Handle.Resource
	}

	// S2 LOAD_CURSOR: checkpoint -> else watermark -> else fresh start.
	cursor := sourcestore.Cursor{}
	batchNumber := 1
	cp, err := r.Checkpoint.Load(ctx, r.Table.Database, r.Table.Table)
	if err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("load checkpoint: %w", err)
		return res
	}
	if cp != nil {
		cursor = sourcestore.Cursor{LastTimestamp: &cp.LastTimestamp, LastPK: cp.LastPK}
		batchNumber = cp.BatchNumber + 1
		res.RowsArchived = cp.RecordsArchived
		res.BatchesProcessed = cp.BatchesProcessed
	} else if wm, werr := r.Watermark.Load(ctx, r.Table.Database, r.Table.Table); werr == nil && wm != nil {
		cursor = sourcestore.Cursor{LastTimestamp: &wm.LastTimestamp, LastPK: wm.LastPK}
	}

	// S1 SCHEMA_SNAPSHOT. Only the table's first-ever batch carries a full
	// schema snapshot in its metadata (spec.md §4.5); later runs fetch that
	// snapshot back to drift-check against the live schema.
	liveSchema, err := r.Source.IntrospectSchema(ctx, r.Table.Table)
	if err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("introspect schema: %w", err)
		return res
	}
	var schemaForMetadata *sourcestore.Schema
	archivedSchema, err := r.firstBatchSchema(ctx)
	if err != nil {
		log.Warn("archive.schema.lookup_failed", "error", err)
	}
	if archivedSchema == nil {
		schemaForMetadata = liveSchema
	} else {
		report := drift.Compare(archivedSchema, liveSchema)
		if report.HasDrift() {
			res.Drift = &report
			if r.Table.FailOnSchemaDrift {
				res.Status = StatusFailed
				res.Err = errtax.New(errtax.ClassSchemaDrift, fmt.Errorf("schema drift detected on %s.%s", r.Table.Database, r.Table.Table))
				return res
			}
			log.Warn("archive.schema.drift", "changes", len(report.Changes))
		}
	}

	for {
		select {
		case <-ctx.Done():
			res.Status = StatusFailed
			res.Err = errtax.New(errtax.ClassCancellation, ctx.Err())
			return res
		case <-r.lost():
			res.Status = StatusFailed
			res.Err = lock.ErrLost(resource)
			return res
		default:
		}

		stepErr := r.processBatch(ctx, log, &cursor, &batchNumber, &res, schemaForMetadata)
		schemaForMetadata = nil // only the very first batch carries it
		if stepErr != nil {
			res.Status = StatusFailed
			res.Err = stepErr
			return res
		}
		if res.Status == doneSentinel {
			break
		}
		if r.Table.SleepBetweenBatches > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(r.Table.SleepBetweenBatches) * time.Second):
			}
		}
	}

	// S9 CLEANUP.
	if !r.DryRun {
		if err := r.Checkpoint.Clear(ctx, r.Table.Database, r.Table.Table); err != nil {
			log.Warn("archive.checkpoint.clear_failed", "error", err)
		}
	}
	res.Status = StatusSuccess
	log.Info("archive.table.done", "batches", res.BatchesProcessed, "rows_archived", res.RowsArchived, "rows_deleted", res.RowsDeleted)
	return res
}

// TableRunner is the seam DatabaseRunner drives: one (database, table)
// pair's state machine. *Runner is the only production implementation;
// tests substitute a stub so DatabaseRunner's lock-acquisition and
// lock-loss-cascade behavior can be exercised without a live database.
type TableRunner interface {
	Run(ctx context.Context) Result
	SetHandle(h *lock.Handle)
	TableName() string
}

// SetHandle installs the database lock handle Run will watch for loss; only
// DatabaseRunner calls this.
func (r *Runner) SetHandle(h *lock.Handle) { r.Handle = h }

// TableName reports the table this Runner drives.
func (r *Runner) TableName() string { return r.Table.Table }

// DatabaseRunner acquires one lock for an entire database and runs every
// one of its tables' Runners sequentially under that single lock, matching
// spec.md's data flow "C9 -> (per DB) C4 acquires -> loop per table"
// (spec.md §3), §4.6 "under the database-level lock", §4.7 "a single
// database's tables always run sequentially under that database's lock",
// and §8 invariant 4 "at-most-one writer per DB: enforced by the DB-level
// lock in S0". Build one DatabaseRunner per database; internal/driver (C9)
// is the only thing allowed to run two DatabaseRunners concurrently, and
// only for two different databases.
type DatabaseRunner struct {
	Database string
	Locks    lock.Manager
	Runners  []TableRunner
}

// Run acquires the database-level lock once, then drives every table's
// Runner to completion in order before releasing it. If the lock cannot be
// acquired, every table is reported skipped (lock_busy) or failed, exactly
// as a single table would have been under the old per-table locking, except
// now the whole database fails or skips together rather than let a losing
// table fall through to try its sibling's lock.
func (d *DatabaseRunner) Run(ctx context.Context) []Result {
	handle, err := d.Locks.Acquire(ctx, d.Database, ownerID(), lock.DefaultTTL)
	if err != nil {
		results := make([]Result, len(d.Runners))
		for i, r := range d.Runners {
			results[i] = Result{Database: d.Database, Table: r.TableName()}
			if errtax.ClassOf(err) == errtax.ClassLockBusy {
				results[i].Status = StatusSkipped
				results[i].SkipReason = "lock_busy"
			} else {
				results[i].Status = StatusFailed
				results[i].Err = err
			}
		}
		return results
	}
	defer func() {
		_ = handle.Release(context.Background())
	}()

	results := make([]Result, 0, len(d.Runners))
	for i, r := range d.Runners {
		r.SetHandle(handle)
		res := r.Run(ctx)
		results = append(results, res)

		if res.Status == StatusFailed && errtax.ClassOf(res.Err) == errtax.ClassLockLost {
			// The lock is gone; every remaining table in this database is
			// aborted too rather than attempting to reacquire per table.
			for _, remaining := range d.Runners[i+1:] {
				results = append(results, Result{
					Database: d.Database, Table: remaining.TableName(),
					Status: StatusFailed, Err: res.Err,
				})
			}
			break
		}
	}
	return results
}

// doneSentinel is a private Status value used only to signal "S3 returned
// zero rows, proceed to S9" out of processBatch without a second return
// path.
const doneSentinel Status = "__done__"

// processBatch runs S3 through S8 (plus S8's post-commit actions) for one
// batch. On an empty selection it sets res.Status to doneSentinel.
func (r *Runner) processBatch(ctx context.Context, log *slog.Logger, cursor *sourcestore.Cursor, batchNumber *int, res *Result, schemaSnapshot *sourcestore.Schema) error {
	cutoff := batch.CutoffForQuery(
		batch.CutoffDate(r.now(), r.Table.RetentionDays, r.Table.SafetyBufferDays),
		r.Table.TimestampTZAware,
	)

	tx, err := r.Source.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// S3 SELECT_BATCH.
	b, err := r.Batches.Select(ctx, tx, r.Table.Database, *batchNumber, sourcestore.SelectParams{
		Table:           r.Table.Table,
		TimestampColumn: r.Table.TimestampColumn,
		PrimaryKey:      r.Table.PrimaryKey,
		Cutoff:          cutoff,
		Cursor:          *cursor,
		Limit:           r.Table.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("select batch: %w", err)
	}
	if b == nil {
		res.Status = doneSentinel
		return nil
	}

	archivedAt := r.now().UTC()

	// S4 SERIALIZE.
	serialized, err := codec.Serialize(b.Rows, r.Table.Database, r.Table.Table, b.ID, archivedAt, r.Table.TimestampColumn)
	if err != nil {
		return fmt.Errorf("serialize batch %d: %w", b.Number, err)
	}

	// S5 COMPRESS.
	compressed, err := codec.Compress(serialized.JSONL, r.Table.CompressionLevel)
	if err != nil {
		return fmt.Errorf("compress batch %d: %w", b.Number, err)
	}
	sums := codec.Checksum(serialized.JSONL, compressed)

	md := metadata.Build(metadata.Params{
		Database:    r.Table.Database,
		Table:       r.Table.Table,
		BatchNumber: b.Number,
		BatchID:     b.ID,
		Serialized:  serialized,
		Compressed:  compressed,
		Checksums:   sums,
		ArchivedAt:  archivedAt,
		Schema:      schemaSnapshot,
	})
	mdBytes, err := metadata.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal metadata batch %d: %w", b.Number, err)
	}

	dataKey := r.Objects.Key(r.Table.Database, r.Table.Table, archivedAt, b.Number)
	metaKey := r.Objects.MetadataKey(r.Table.Database, r.Table.Table, archivedAt, b.Number)

	// S6 UPLOAD_DATA. Dry-run no-ops the upload but still exercises
	// serialize/compress/checksum above, matching "S0-S7 with upload
	// no-op'd" from spec.md §4.6.
	if !r.DryRun {
		if err := r.Objects.Put(ctx, dataKey, compressed); err != nil {
			return fmt.Errorf("upload data batch %d: %w", b.Number, err)
		}
		if err := r.Objects.Put(ctx, metaKey, mdBytes); err != nil {
			return fmt.Errorf("upload metadata batch %d: %w", b.Number, err)
		}
	}

	// S7 VERIFY_COUNTS: db_count(pks) == memory_count == jsonl_lines.
	if len(b.PKs) != len(b.Rows) || serialized.LineCount != len(b.Rows) {
		return errtax.New(errtax.ClassVerification,
			fmt.Errorf("count mismatch batch %d: pks=%d rows=%d lines=%d", b.Number, len(b.PKs), len(b.Rows), serialized.LineCount),
			"database", r.Table.Database, "table", r.Table.Table)
	}

	if r.DryRun {
		// No S8: leave the transaction unfinished and the cursor
		// un-advanced in any persisted store. We still advance the local
		// cursor variable so a dry run walks the whole table in one pass
		// instead of re-selecting the same locked batch forever; nothing
		// here is written to watermark or checkpoint.
		*cursor = b.Cursor
		res.BatchesProcessed++
		res.RowsArchived += int64(len(b.Rows))
		return nil
	}

	// S8 DELETE_COMMIT.
	affected, err := r.Source.DeleteBatch(ctx, tx, r.Table.Table, r.Table.PrimaryKey, b.PKs)
	if err != nil {
		return fmt.Errorf("delete batch %d: %w", b.Number, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch %d: %w", b.Number, err)
	}
	committed = true

	res.BatchesProcessed++
	res.RowsArchived += int64(len(b.Rows))
	res.RowsDeleted += affected

	// WRITE_MANIFEST (best-effort per spec.md §4.12: manifest/checkpoint/
	// watermark writes after commit never undo the already-committed delete;
	// a failure is logged and the run goes on). Each write is attempted once
	// here: only writes that go to the object store get its Put retries, so
	// database- or file-backed checkpoint and watermark writes are not retried.
	manifestKey := r.Objects.ManifestKey(r.Table.Database, r.Table.Table, archivedAt, b.Number)
	m := manifest.Build(r.Table.Database, r.Table.Table, b.Number, b.ID, r.Table.PrimaryKey, b.PKs, r.now().UTC())
	if mb, merr := manifest.Marshal(m); merr == nil {
		if err := r.Objects.Put(ctx, manifestKey, mb); err != nil {
			log.Warn("archive.manifest.write_failed", "batch", b.Number, "error", err)
		}
	} else {
		log.Warn("archive.manifest.marshal_failed", "batch", b.Number, "error", merr)
	}

	// SAMPLE_VERIFY.
	if r.Table.SampleVerifyRate > 0 {
		samples := sampleverify.SelectSamples(rand.New(rand.NewSource(archivedAt.UnixNano())), b.PKs, r.Table.SampleVerifyRate)
		sv, err := sampleverify.Verify(ctx, r.Source, r.Table.Table, r.Table.PrimaryKey, serialized.JSONL, samples)
		switch {
		case err != nil:
			log.Warn("archive.sample_verify.error", "batch", b.Number, "error", err)
		case !sv.Ok():
			res.SampleVerifyFails++
			log.Warn("archive.sample_verify.failed", "batch", b.Number, "missing", sv.MissingFromArchive, "absent_in_source", sv.AbsentInSource)
			if r.Table.SampleVerifyFatal {
				return errtax.New(errtax.ClassVerification, fmt.Errorf("sample verification failed for batch %d", b.Number))
			}
		}
	}

	// ADVANCE_CURSOR.
	*cursor = b.Cursor

	// MAYBE_CHECKPOINT.
	if r.Table.CheckpointInterval > 0 && b.Number%r.Table.CheckpointInterval == 0 {
		cp := checkpoint.Checkpoint{
			Database:         r.Table.Database,
			Table:            r.Table.Table,
			BatchNumber:      b.Number,
			LastTimestamp:    *cursor.LastTimestamp,
			LastPK:           cursor.LastPK,
			RecordsArchived:  res.RowsArchived,
			BatchesProcessed: res.BatchesProcessed,
			LastBatchID:      b.ID,
		}
		if err := r.Checkpoint.Save(ctx, cp); err != nil {
			log.Warn("archive.checkpoint.save_failed", "batch", b.Number, "error", err)
		}
	}

	// ADVANCE_WATERMARK.
	if err := r.Watermark.Save(ctx, r.Table.Database, r.Table.Table, watermark.Watermark{
		LastTimestamp: *cursor.LastTimestamp,
		LastPK:        cursor.LastPK,
		Version:       1,
	}); err != nil {
		log.Warn("archive.watermark.save_failed", "batch", b.Number, "error", err)
	}

	*batchNumber = b.Number + 1
	return nil
}

// firstBatchSchema looks up the table's earliest archived batch (by listing
// the table's metadata keys, which sort lexicographically by date and zero-
// padded batch number) and returns the schema snapshot it carries, or nil if
// no batch has ever been archived.
func (r *Runner) firstBatchSchema(ctx context.Context) (*sourcestore.Schema, error) {
	prefix := r.Objects.ControlKey(r.Table.Database, r.Table.Table, "")
	keys, err := r.Objects.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list prior batches: %w", err)
	}
	var metaKeys []string
	for _, k := range keys {
		if strings.HasSuffix(k, ".metadata.json") {
			metaKeys = append(metaKeys, k)
		}
	}
	if len(metaKeys) == 0 {
		return nil, nil
	}
	sort.Strings(metaKeys)

	data, err := r.Objects.Get(ctx, metaKeys[0])
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", metaKeys[0], err)
	}
	md, err := metadata.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", metaKeys[0], err)
	}
	return md.TableSchema, nil
}

var _ TableRunner = (*Runner)(nil)

// ownerID identifies this process as a lock owner.
func ownerID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("archiver-%s-%d", host, os.Getpid())
}
