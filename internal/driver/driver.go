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

// Package driver is the Multi-Target Driver (C9): it runs one
// orchestrator.DatabaseRunner per database (which itself drives every one
// of that database's tables sequentially under a single database-level
// lock, per spec.md §4.7), bounded by defaults.max_parallel_databases, and
// aggregates per-database outcomes into a run-wide report. Grounded on
// `original_source/src/archiver/archiver.py`'s top-level run loop over
// databases and tables, and on the teacher's worker-pool shape in
// pkg/ingestion/local_pipeline.go's parseFilesParallel (jobs channel +
// bounded goroutines + results channel, rather than an unbounded
// goroutine-per-database fan-out).
package driver

import (
	"context"
	"sync"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/orchestrator"
)

// Outcome is one database's aggregated result across all of its tables.
type Outcome string

const (
	OutcomeSuccess Outcome = "success" // every table succeeded
	OutcomePartial Outcome = "partial" // at least one table failed, at least one succeeded
	OutcomeFailure Outcome = "failure" // every table failed
)

// DatabaseReport aggregates one database's table runs.
type DatabaseReport struct {
	Database string
	Outcome  Outcome
	Tables   []orchestrator.Result
}

// Job is one database's whole table set, run sequentially under that
// database's lock by Run (see orchestrator.DatabaseRunner); the unit of
// work the driver parallelizes. Tables names the tables Run will cover,
// used only to report one Result per table if the job never runs at all
// (context already cancelled before its turn).
type Job struct {
	Database string
	Tables   []string
	Run      func(ctx context.Context) []orchestrator.Result
}

// Run executes jobs with at most maxParallel databases running
// concurrently; tables within a single job (database) are always run
// sequentially by Job.Run itself. maxParallel <= 1 runs jobs sequentially
// in the order given, matching defaults.parallel_databases: false.
func Run(ctx context.Context, jobs []Job, maxParallel int) []DatabaseReport {
	if maxParallel < 1 {
		maxParallel = 1
	}

	type indexed struct {
		index   int
		results []orchestrator.Result
	}

	jobsCh := make(chan int, len(jobs))
	resultsCh := make(chan indexed, len(jobs))

	var wg sync.WaitGroup
	for w := 0; w < maxParallel; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobsCh {
				select {
				case <-ctx.Done():
					resultsCh <- indexed{index: i, results: cancelledResults(jobs[i], ctx.Err())}
					continue
				default:
				}
				resultsCh <- indexed{index: i, results: jobs[i].Run(ctx)}
			}
		}()
	}

	for i := range jobs {
		jobsCh <- i
	}
	close(jobsCh)

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	allResults := make([][]orchestrator.Result, len(jobs))
	for r := range resultsCh {
		allResults[r.index] = r.results
	}

	reports := make([]DatabaseReport, len(jobs))
	for i, j := range jobs {
		reports[i] = DatabaseReport{
			Database: j.Database,
			Outcome:  classify(allResults[i]),
			Tables:   allResults[i],
		}
	}
	return reports
}

func cancelledResults(j Job, err error) []orchestrator.Result {
	results := make([]orchestrator.Result, len(j.Tables))
	for i, t := range j.Tables {
		results[i] = orchestrator.Result{Database: j.Database, Table: t, Status: orchestrator.StatusFailed, Err: err}
	}
	return results
}

func classify(tables []orchestrator.Result) Outcome {
	succeeded, failed := 0, 0
	for _, t := range tables {
		switch t.Status {
		case orchestrator.StatusSuccess, orchestrator.StatusSkipped:
			succeeded++
		case orchestrator.StatusFailed:
			failed++
		}
	}
	switch {
	case failed == 0:
		return OutcomeSuccess
	case succeeded == 0:
		return OutcomeFailure
	default:
		return OutcomePartial
	}
}
