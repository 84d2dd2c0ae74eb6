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

// Package validator is the offline Archive Validator (C15): it walks
// archived objects in the bucket and reports integrity problems without
// mutating anything -- missing sidecars, checksum mismatches, record-count
// mismatches, and orphaned files. Grounded on
// `original_source/src/validate/archive_validator.py`'s ArchiveValidator.
package validator

import (
	"context"
	"fmt"
	"strings"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/codec"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/metadata"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/objectstore"
)

// FileResult is the outcome of validating a single archive.
type FileResult struct {
	Key      string
	Valid    bool
	Errors   []string
	Warnings []string
}

// Report aggregates FileResult across every archive checked, mirroring
// archive_validator.py's ValidationResult.
type Report struct {
	TotalArchives          int
	ValidArchives          int
	InvalidArchives        int
	OrphanedDataFiles      []string
	OrphanedMetadataFiles  []string
	MissingMetadata        []string
	ChecksumFailures       []string
	RecordCountMismatches  []string
	Results                []FileResult
}

// IsValid reports whether every checked archive passed every check.
func (r Report) IsValid() bool {
	return r.InvalidArchives == 0 &&
		len(r.OrphanedDataFiles) == 0 &&
		len(r.OrphanedMetadataFiles) == 0 &&
		len(r.MissingMetadata) == 0 &&
		len(r.ChecksumFailures) == 0 &&
		len(r.RecordCountMismatches) == 0
}

// Validator checks archived objects in place; it never writes.
type Validator struct {
	objects *objectstore.Store
}

func New(objects *objectstore.Store) *Validator {
	return &Validator{objects: objects}
}

// ValidateFile checks one archive's data object: that its sidecar metadata
// exists and parses, its checksums match, and its parsed record count
// matches the sidecar's declared count. dataKey must be a .jsonl.gz key.
func (v *Validator) ValidateFile(ctx context.Context, dataKey string, validateChecksum, validateRecordCount bool) FileResult {
	result := FileResult{Key: dataKey, Valid: true}

	metaBytes, err := v.objects.Get(ctx, objectstore.SiblingMetadataKey(dataKey))
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("missing metadata: %v", err))
		return result
	}
	meta, err := metadata.Parse(metaBytes)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("invalid metadata: %v", err))
		return result
	}

	gz, err := v.objects.Get(ctx, dataKey)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("missing data object: %v", err))
		return result
	}

	jsonl, err := codec.Decompress(gz)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("decompress failed: %v", err))
		return result
	}

	if validateChecksum {
		want := codec.Checksums{JSONLSHA256: meta.Checksums.JSONLSHA256, CompressedSHA256: meta.Checksums.CompressedSHA256}
		if err := codec.VerifyChecksums(jsonl, gz, want); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("checksum mismatch: %v", err))
		}
	}

	if validateRecordCount {
		rows, err := codec.ParseLines(jsonl)
		if err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("failed to parse records: %v", err))
		} else if len(rows) != meta.DataInfo.RecordCount {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"record count mismatch: expected %d, got %d", meta.DataInfo.RecordCount, len(rows)))
		}
	}

	return result
}

// Validate walks every object under prefix, validating each data file and
// classifying orphans: data files with no metadata sidecar, and metadata
// sidecars with no data file.
func (v *Validator) Validate(ctx context.Context, prefix string, validateChecksum, validateRecordCount bool) (Report, error) {
	keys, err := v.objects.List(ctx, prefix)
	if err != nil {
		return Report{}, fmt.Errorf("validator: list %s: %w", prefix, err)
	}

	dataKeys := make(map[string]bool)
	metaKeys := make(map[string]bool)
	for _, k := range keys {
		switch {
		case objectstore.IsDataKey(k):
			dataKeys[k] = true
		case strings.HasSuffix(k, ".metadata.json"):
			metaKeys[k] = true
		}
	}

	var report Report
	for dataKey := range dataKeys {
		result := v.ValidateFile(ctx, dataKey, validateChecksum, validateRecordCount)
		report.Results = append(report.Results, result)
		report.TotalArchives++

		if result.Valid {
			report.ValidArchives++
			continue
		}
		report.InvalidArchives++
		for _, e := range result.Errors {
			switch {
			case strings.Contains(e, "checksum"):
				report.ChecksumFailures = append(report.ChecksumFailures, dataKey)
			case strings.Contains(e, "record count"):
				report.RecordCountMismatches = append(report.RecordCountMismatches, dataKey)
			case strings.Contains(e, "metadata"):
				report.MissingMetadata = append(report.MissingMetadata, dataKey)
			}
		}

		if !metaKeys[objectstore.SiblingMetadataKey(dataKey)] {
			report.OrphanedDataFiles = append(report.OrphanedDataFiles, dataKey)
		}
	}

	for metaKey := range metaKeys {
		if !dataKeys[objectstore.SiblingDataKey(metaKey)] {
			report.OrphanedMetadataFiles = append(report.OrphanedMetadataFiles, metaKey)
		}
	}

	return report, nil
}
