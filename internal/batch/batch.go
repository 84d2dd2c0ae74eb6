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

// Package batch is the Batch Processor (C7): cutoff-date computation and
// cursor-ordered batch selection against the Source Store Adapter.
package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/model"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/sourcestore"
)

// Processor selects eligible rows in cursor order and hands them to the
// orchestrator a batch at a time.
type Processor struct {
	source *sourcestore.Store
}

func New(source *sourcestore.Store) *Processor {
	return &Processor{source: source}
}

// CutoffDate computes now - (retentionDays + safetyBufferDays), matching
// `original_source/src/archiver/batch_processor.py`'s calculate_cutoff_date.
func CutoffDate(now time.Time, retentionDays, safetyBufferDays int) time.Time {
	return now.UTC().AddDate(0, 0, -(retentionDays + safetyBufferDays))
}

// CutoffForQuery adjusts the cutoff for the timestamp column's timezone
// awareness: a TIMESTAMP (naive) column needs a naive comparison value even
// though the cutoff was computed in UTC, or every comparison would silently
// compare apples to oranges against whatever local time the naive column
// actually stores.
func CutoffForQuery(cutoff time.Time, tzAware bool) time.Time {
	if tzAware {
		return cutoff
	}
	return time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), cutoff.Hour(), cutoff.Minute(), cutoff.Second(), cutoff.Nanosecond(), time.UTC)
}

// ID computes the deterministic batch identifier from spec.md §3:
// SHA256(database ∥ table ∥ batch_number), truncated to its first 16 hex
// characters. Grounded directly on `original_source/src/archiver/
// archiver.py`'s `_generate_batch_id`, which hashes the same
// "{database}_{table}_{batch_number}" content string.
func ID(database, table string, batchNumber int) string {
	content := fmt.Sprintf("%s_%s_%d", database, table, batchNumber)
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// Batch is one unit of work: the selected rows plus the PK set needed to
// delete them from the same transaction, and the deterministic ID of the
// archive object they'll be serialized into.
type Batch struct {
	ID     string
	Number int
	Rows   []model.Row
	PKs    []any
	Cursor sourcestore.Cursor
}

// Select pulls up to limit eligible rows starting after cursor, inside tx.
// Returns a nil Batch (not an error) when no rows remain -- the orchestrator
// treats that as "table finished" for this run. batchNumber is the
// orchestrator's monotone, per-table counter (1-based), used to derive the
// deterministic batch ID.
func (p *Processor) Select(ctx context.Context, tx pgx.Tx, database string, batchNumber int, params sourcestore.SelectParams) (*Batch, error) {
	rows, pks, err := p.source.SelectBatch(ctx, tx, params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	last := rows[len(rows)-1]
	lastTS := last[params.TimestampColumn].Timestamp
	return &Batch{
		ID:     ID(database, params.Table, batchNumber),
		Number: batchNumber,
		Rows:   rows,
		PKs:    pks,
		Cursor: sourcestore.Cursor{
			LastTimestamp: &lastTS,
			LastPK:        last[params.PrimaryKey].Native(),
		},
	}, nil
}

// CountEligible reports how many rows currently qualify for archival,
// purely for progress reporting (spec.md §4.1: advisory only, never gates
// deletion since the count can change between the check and the batch
// selects that follow it).
func (p *Processor) CountEligible(ctx context.Context, table, tsColumn string, cutoff time.Time) (int64, error) {
	return p.source.CountEligible(ctx, table, tsColumn, cutoff)
}
