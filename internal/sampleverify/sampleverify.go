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

// Package sampleverify is the Sample Verifier (C11): after a batch's delete
// commits, it probes a random subset of the deleted primary keys, confirming
// each is absent from the source and present in the just-uploaded archive.
// Grounded on `original_source/src/archiver/archiver.py`'s
// sample_verifier.select_samples / verify_samples_not_in_database call site
// (the dedicated sample_verifier.py module itself was filtered from the
// retrieval pack; this package rebuilds its contract from that call site).
package sampleverify

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/codec"
)

// SourceChecker is the narrow slice of sourcestore.Store this package needs,
// kept as an interface so tests can fake it without a real database.
type SourceChecker interface {
	SampleAbsent(ctx context.Context, table, pkColumn string, pks []any) (bool, error)
}

// Result reports what the sample probe found.
type Result struct {
	SampleSize          int
	AbsentInSource      bool
	PresentInArchive    bool
	MissingFromArchive  []any
}

// Ok reports whether every sampled key passed both checks.
func (r Result) Ok() bool { return r.AbsentInSource && r.PresentInArchive }

// SelectSamples picks ceil(rate * n) primary keys at random from pks, always
// at least 1 if pks is non-empty, per spec.md §4.9's "size = max(1,
// ceil(r*n))".
func SelectSamples(rng *rand.Rand, pks []any, rate float64) []any {
	if len(pks) == 0 {
		return nil
	}
	if rate <= 0 {
		rate = 0.01
	}
	n := int(math.Ceil(rate * float64(len(pks))))
	if n < 1 {
		n = 1
	}
	if n > len(pks) {
		n = len(pks)
	}

	idx := rng.Perm(len(pks))[:n]
	out := make([]any, n)
	for i, p := range idx {
		out[i] = pks[p]
	}
	return out
}

// Verify confirms each sampled key is absent from source and present among
// the just-serialized archive rows (read back from the uncompressed JSONL
// this batch already produced, rather than re-downloading the object --
// cheaper and exercises the same bytes that were checksummed).
func Verify(ctx context.Context, source SourceChecker, table, pkColumn string, archiveJSONL []byte, samples []any) (Result, error) {
	result := Result{SampleSize: len(samples)}
	if len(samples) == 0 {
		result.AbsentInSource = true
		result.PresentInArchive = true
		return result, nil
	}

	absent, err := source.SampleAbsent(ctx, table, pkColumn, samples)
	if err != nil {
		return result, fmt.Errorf("sampleverify: check absence: %w", err)
	}
	result.AbsentInSource = absent

	rows, err := codec.ParseLines(archiveJSONL)
	if err != nil {
		return result, fmt.Errorf("sampleverify: parse archive: %w", err)
	}
	present := make(map[string]bool, len(rows))
	for _, row := range rows {
		if v, ok := row[pkColumn]; ok {
			present[fmt.Sprint(v.Native())] = true
		}
	}

	result.PresentInArchive = true
	for _, pk := range samples {
		if !present[fmt.Sprint(pk)] {
			result.PresentInArchive = false
			result.MissingFromArchive = append(result.MissingFromArchive, pk)
		}
	}

	return result, nil
}
