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

// Package manifest builds and parses the Deletion Manifest: a record of the
// primary keys actually deleted for one batch, written after the deleting
// transaction commits (spec.md §3).
package manifest

import (
	"encoding/json"
	"fmt"
	"time"
)

// Manifest is written once per batch, strictly after S8's COMMIT succeeds.
type Manifest struct {
	Database      string    `json:"database_name"`
	Table         string    `json:"table_name"`
	BatchNumber   int       `json:"batch_number"`
	BatchID       string    `json:"batch_id"`
	PrimaryKey    string    `json:"primary_key_column"`
	PrimaryKeys   []any     `json:"primary_keys"`
	DeletedCount  int       `json:"deleted_count"`
	DeletedAt     time.Time `json:"deleted_at"`
}

// Build assembles the manifest for one batch's deletion.
func Build(database, table string, batchNumber int, batchID, pkColumn string, pks []any, deletedAt time.Time) Manifest {
	return Manifest{
		Database:     database,
		Table:        table,
		BatchNumber:  batchNumber,
		BatchID:      batchID,
		PrimaryKey:   pkColumn,
		PrimaryKeys:  pks,
		DeletedCount: len(pks),
		DeletedAt:    deletedAt,
	}
}

// Marshal renders m as the bytes written to the .manifest.json object.
func Marshal(m Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Parse decodes a manifest read back from object storage, used by the
// Validator (C15) to cross-check deletion counts.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	return &m, nil
}
