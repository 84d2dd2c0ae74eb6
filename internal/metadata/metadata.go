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

// Package metadata builds and parses the sidecar metadata.json that
// accompanies every archived batch: schema snapshot, checksums, sizes,
// timestamp range, and batch_info, sufficient on its own to validate and
// restore a batch (spec.md §3).
package metadata

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/codec"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/sourcestore"
)

// CurrentVersion is written into every metadata sidecar's "version" field.
// Unknown versions are rejected by the restore engine and validator, per
// spec.md §4.5's watermark/checkpoint version-tag convention, extended here
// to the metadata sidecar itself.
const CurrentVersion = "1.0"

// BatchInfo records which batch this metadata describes.
type BatchInfo struct {
	Database    string `json:"database_name"`
	Table       string `json:"table_name"`
	BatchNumber int    `json:"batch_number"`
	BatchID     string `json:"batch_id"`
}

// DataInfo records the batch's size and record-count facts.
type DataInfo struct {
	RecordCount       int     `json:"record_count"`
	UncompressedSize  int64   `json:"uncompressed_size"`
	CompressedSize    int64   `json:"compressed_size"`
	CompressionRatio  float64 `json:"compression_ratio"`
}

// Checksums mirrors codec.Checksums in the sidecar's JSON shape.
type Checksums struct {
	JSONLSHA256      string `json:"jsonl_sha256"`
	CompressedSHA256 string `json:"compressed_sha256"`
}

// TimestampRange is null (both fields zero) if the batch was empty -- which
// in practice never reaches metadata generation, since an empty batch ends
// the table (S3 returns no rows), but the shape stays nullable per spec.md.
type TimestampRange struct {
	Min *time.Time `json:"min"`
	Max *time.Time `json:"max"`
}

// Metadata is the full sidecar document.
type Metadata struct {
	Version        string              `json:"version"`
	BatchInfo      BatchInfo           `json:"batch_info"`
	DataInfo       DataInfo            `json:"data_info"`
	Checksums      Checksums           `json:"checksums"`
	TableSchema    *sourcestore.Schema `json:"table_schema,omitempty"`
	TimestampRange TimestampRange      `json:"timestamp_range"`
	ArchivedAt     time.Time           `json:"archived_at"`
}

// Params collects everything Build needs to assemble one batch's sidecar.
type Params struct {
	Database    string
	Table       string
	BatchNumber int
	BatchID     string
	Serialized  *codec.SerializedBatch
	Compressed  []byte
	Checksums   codec.Checksums
	ArchivedAt  time.Time
	// Schema is only set on the first batch of a table (spec.md §4.5): the
	// schema snapshot travels with the earliest archive object so a
	// from-scratch restore or drift check never needs a later batch.
	Schema *sourcestore.Schema
}

// Build assembles a Metadata document for one batch.
func Build(p Params) Metadata {
	var ratio float64
	if p.Serialized != nil && len(p.Serialized.JSONL) > 0 {
		ratio = float64(len(p.Compressed)) / float64(len(p.Serialized.JSONL))
	}
	return Metadata{
		Version: CurrentVersion,
		BatchInfo: BatchInfo{
			Database:    p.Database,
			Table:       p.Table,
			BatchNumber: p.BatchNumber,
			BatchID:     p.BatchID,
		},
		DataInfo: DataInfo{
			RecordCount:      p.Serialized.LineCount,
			UncompressedSize: int64(len(p.Serialized.JSONL)),
			CompressedSize:   int64(len(p.Compressed)),
			CompressionRatio: ratio,
		},
		Checksums: Checksums{
			JSONLSHA256:      p.Checksums.JSONLSHA256,
			CompressedSHA256: p.Checksums.CompressedSHA256,
		},
		TableSchema: p.Schema,
		TimestampRange: TimestampRange{
			Min: p.Serialized.MinTS,
			Max: p.Serialized.MaxTS,
		},
		ArchivedAt: p.ArchivedAt,
	}
}

// Marshal renders m as the bytes written to the .metadata.json object.
func Marshal(m Metadata) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Parse decodes a metadata sidecar read back from object storage, rejecting
// unknown version tags as a Configuration-class concern the caller should
// abort on (spec.md §4.5: "unknown versions abort with a configuration
// error").
func Parse(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("metadata: decode: %w", err)
	}
	if m.Version != "" && m.Version != CurrentVersion {
		return nil, errtax.New(errtax.ClassConfiguration, fmt.Errorf("metadata: unsupported version %q", m.Version))
	}
	return &m, nil
}
