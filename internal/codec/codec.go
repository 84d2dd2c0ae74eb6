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

// Package codec serializes batches of rows to JSONL, compresses them with
// gzip, and computes the checksums the rest of the pipeline treats as the
// ground truth for round-trip fidelity.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/model"
)

// FieldBatchID and friends name the four fields every archived line
// gains in addition to its original columns (spec.md §3).
const (
	FieldBatchID         = "_batch_id"
	FieldSourceDatabase  = "_source_database"
	FieldSourceTable     = "_source_table"
	FieldArchivedAt      = "_archived_at"
)

// Checksums holds the two SHA-256 hex digests required by the Archive
// Object invariants: one over the uncompressed JSONL bytes, one over the
// compressed (gzip) bytes.
type Checksums struct {
	JSONLSHA256      string
	CompressedSHA256 string
}

// SerializedBatch is the output of Serialize: the uncompressed JSONL bytes,
// ready for Compress.
type SerializedBatch struct {
	JSONL      []byte
	LineCount  int
	MinTS, MaxTS *time.Time
}

// Serialize renders rows as line-delimited JSON, one row per line, each
// augmented with the four reserved fields. Lines are self-contained: no
// line depends on any other for decoding, per spec.md §4.2.
func Serialize(rows []model.Row, database, table, batchID string, archivedAt time.Time, tsColumn string) (*SerializedBatch, error) {
	var buf bytes.Buffer
	var minTS, maxTS *time.Time

	for _, row := range rows {
		line := make(map[string]model.Value, len(row)+4)
		for k, v := range row {
			line[k] = v
		}
		line[FieldBatchID] = model.TextValue(batchID)
		line[FieldSourceDatabase] = model.TextValue(database)
		line[FieldSourceTable] = model.TextValue(table)
		line[FieldArchivedAt] = model.TimestampValue(archivedAt)

		encoded, err := marshalOrdered(line)
		if err != nil {
			return nil, fmt.Errorf("serialize row: %w", err)
		}
		buf.Write(encoded)
		buf.WriteByte('\n')

		if tsVal, ok := row[tsColumn]; ok && tsVal.Kind == model.KindTimestamp {
			t := tsVal.Timestamp
			if minTS == nil || t.Before(*minTS) {
				minTS = &t
			}
			if maxTS == nil || t.After(*maxTS) {
				maxTS = &t
			}
		}
	}

	return &SerializedBatch{
		JSONL:     buf.Bytes(),
		LineCount: len(rows),
		MinTS:     minTS,
		MaxTS:     maxTS,
	}, nil
}

// marshalOrdered encodes a single JSONL line with deterministic key order
// (sorted), so repeated runs over identical data produce byte-identical
// archives -- useful for dry-run neutrality checks and tests.
func marshalOrdered(line map[string]model.Value) ([]byte, error) {
	keys := make([]string, 0, len(line))
	for k := range line {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := line[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Compress gzips jsonl at the given level (1-9; 0 means "use default 6").
func Compress(jsonl []byte, level int) ([]byte, error) {
	if level <= 0 {
		level = 6
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("new gzip writer: %w", err)
	}
	if _, err := w.Write(jsonl); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(gz []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return nil, fmt.Errorf("new gzip reader: %w", err)
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return buf.Bytes(), nil
}

// Checksum computes the checksums required for a batch: SHA-256 of the
// uncompressed bytes first, then SHA-256 of the compressed bytes, per
// spec.md §4.2 ("computed on uncompressed bytes first, then on compressed
// bytes").
func Checksum(jsonl, gz []byte) Checksums {
	jsonlSum := sha256.Sum256(jsonl)
	gzSum := sha256.Sum256(gz)
	return Checksums{
		JSONLSHA256:      hex.EncodeToString(jsonlSum[:]),
		CompressedSHA256: hex.EncodeToString(gzSum[:]),
	}
}

// VerifyChecksums recomputes both digests and compares them against want,
// returning an error naming the mismatching digest, used by the Validator
// and the restore engine's checksum-verification step.
func VerifyChecksums(jsonl, gz []byte, want Checksums) error {
	got := Checksum(jsonl, gz)
	if got.JSONLSHA256 != want.JSONLSHA256 {
		return fmt.Errorf("jsonl checksum mismatch: got %s want %s", got.JSONLSHA256, want.JSONLSHA256)
	}
	if got.CompressedSHA256 != want.CompressedSHA256 {
		return fmt.Errorf("compressed checksum mismatch: got %s want %s", got.CompressedSHA256, want.CompressedSHA256)
	}
	return nil
}

// ParseLines decodes a JSONL stream back into rows. Every field of each line
// is kept, the four reserved fields included; StripReserved removes them.
func ParseLines(jsonl []byte) ([]model.Row, error) {
	var rows []model.Row
	lines := bytes.Split(bytes.TrimRight(jsonl, "\n"), []byte("\n"))
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, fmt.Errorf("parse line %d: %w", i, err)
		}
		row := make(model.Row, len(raw))
		for k, v := range raw {
			row[k] = model.FromAny(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// StripReserved returns a copy of row with the four reserved fields removed,
// used by the restore engine before inserting into the target table.
func StripReserved(row model.Row) model.Row {
	out := row.Clone()
	delete(out, FieldBatchID)
	delete(out, FieldSourceDatabase)
	delete(out, FieldSourceTable)
	delete(out, FieldArchivedAt)
	return out
}
