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

// Package watermark is the Watermark Store (C5): the durable record of how
// far archival has progressed for a (database, table) pair, backed by
// either the object store or the source database.
package watermark

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/objectstore"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/sourcestore"
)

// Watermark is the last successfully committed archival position.
type Watermark struct {
	LastTimestamp time.Time `json:"last_timestamp"`
	LastPK        any       `json:"last_primary_key"`
	UpdatedAt     time.Time `json:"updated_at"`
	Version       int       `json:"version"`
}

// Store is implemented by the object-store-backed and database-backed
// watermark backends.
type Store interface {
	Load(ctx context.Context, database, table string) (*Watermark, error)
	Save(ctx context.Context, database, table string, w Watermark) error
}

// objectKey matches the control-file layout from spec.md §6: a leading-dot
// ".watermark.json" object sitting directly under the table's prefix.
func objectKey(objects *objectstore.Store, database, table string) string {
	return objects.ControlKey(database, table, ".watermark.json")
}

// ObjectStore persists watermarks as a JSON control object, mirroring
// `original_source/src/archiver/watermark_manager.py`'s "s3" storage_type.
type ObjectStore struct {
	objects *objectstore.Store
}

func NewObjectStore(objects *objectstore.Store) *ObjectStore {
	return &ObjectStore{objects: objects}
}

func (s *ObjectStore) Load(ctx context.Context, database, table string) (*Watermark, error) {
	key := objectKey(s.objects, database, table)
	data, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, nil //nolint:nilerr // any Get error, including a transient one, is treated as "no watermark yet" and is not returned or logged
	}
	var w Watermark
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("watermark: decode %s: %w", key, err)
	}
	return &w, nil
}

func (s *ObjectStore) Save(ctx context.Context, database, table string, w Watermark) error {
	w.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("watermark: encode: %w", err)
	}
	return s.objects.Put(ctx, objectKey(s.objects, database, table), data)
}

// DatabaseStore persists watermarks in a control table inside the source
// database itself, mirroring the "database" storage_type branch of
// `original_source/src/archiver/watermark_manager.py`.
type DatabaseStore struct {
	source *sourcestore.Store
	table  string
}

// NewDatabaseStore uses controlTable to hold one row per (database_name,
// table_name). Nothing in this module creates that table; it must already
// exist in the source database.
func NewDatabaseStore(source *sourcestore.Store, controlTable string) *DatabaseStore {
	if controlTable == "" {
		controlTable = "archiver_watermarks"
	}
	return &DatabaseStore{source: source, table: controlTable}
}

func (s *DatabaseStore) Load(ctx context.Context, database, table string) (*Watermark, error) {
	var w Watermark
	var lastPK string
	query := fmt.Sprintf(`SELECT last_timestamp, last_primary_key, updated_at, version FROM %s WHERE database_name = $1 AND table_name = $2`, s.table)
	err := s.source.Pool().QueryRow(ctx, query, database, table).Scan(&w.LastTimestamp, &lastPK, &w.UpdatedAt, &w.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("watermark: load from %s: %w", s.table, err)
	}
	w.LastPK = lastPK
	return &w, nil
}

func (s *DatabaseStore) Save(ctx context.Context, database, table string, w Watermark) error {
	w.UpdatedAt = time.Now().UTC()
	query := fmt.Sprintf(`
		INSERT INTO %s (database_name, table_name, last_timestamp, last_primary_key, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (database_name, table_name)
		DO UPDATE SET last_timestamp = $3, last_primary_key = $4, updated_at = $5, version = %[1]s.version + 1`, s.table)
	_, err := s.source.Pool().Exec(ctx, query, database, table, w.LastTimestamp, fmt.Sprint(w.LastPK), w.UpdatedAt, w.Version)
	if err != nil {
		return fmt.Errorf("watermark: save to %s: %w", s.table, err)
	}
	return nil
}

var (
	_ Store = (*ObjectStore)(nil)
	_ Store = (*DatabaseStore)(nil)
)
