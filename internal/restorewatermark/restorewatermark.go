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

// Package restorewatermark is the Restore Watermark Store (C13): a durable
// record of the most recently restored archive per (database, table), used
// by the restore engine to skip archives it has already loaded on a prior
// run. Grounded on
// `original_source/src/restore/restore_watermark.py`'s RestoreWatermark /
// RestoreWatermarkManager, generalized from its s3/database/both storage
// split to this pipeline's Store interface convention (internal/watermark,
// internal/checkpoint).
package restorewatermark

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/objectstore"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/sourcestore"
)

// Watermark is the most recently restored archive for one (database, table).
type Watermark struct {
	Database              string    `json:"database"`
	Table                 string    `json:"table"`
	LastRestoredDate      time.Time `json:"last_restored_date"`
	LastRestoredS3Key     string    `json:"last_restored_s3_key"`
	TotalArchivesRestored int       `json:"total_archives_restored"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Store is implemented by the object-store-backed and database-backed
// restore-watermark backends, and by Both, which composes the two.
type Store interface {
	Load(ctx context.Context, database, table string) (*Watermark, error)
	Save(ctx context.Context, w Watermark) error
}

func objectKey(objects *objectstore.Store, database, table string) string {
	return objects.ControlKey(database, table, ".restore_watermark.json")
}

// ObjectStore persists restore watermarks as a JSON control object,
// mirroring the "s3" storage_type branch of restore_watermark.py.
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
		return nil, nil //nolint:nilerr // absent watermark means "first restore", not an error
	}
	var w Watermark
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("restorewatermark: decode %s: %w", key, err)
	}
	return &w, nil
}

func (s *ObjectStore) Save(ctx context.Context, w Watermark) error {
	w.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("restorewatermark: encode: %w", err)
	}
	return s.objects.Put(ctx, objectKey(s.objects, w.Database, w.Table), data)
}

// DatabaseStore persists restore watermarks in a control table inside the
// restore target database, mirroring restore_watermark.py's "database"
// storage_type branch and its CREATE TABLE IF NOT EXISTS restore_watermarks.
type DatabaseStore struct {
	target *sourcestore.Store
	table  string
}

func NewDatabaseStore(target *sourcestore.Store, controlTable string) *DatabaseStore {
	if controlTable == "" {
		controlTable = "restore_watermarks"
	}
	return &DatabaseStore{target: target, table: controlTable}
}

func (s *DatabaseStore) ensureTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		database_name TEXT NOT NULL,
		table_name TEXT NOT NULL,
		last_restored_date TIMESTAMPTZ NOT NULL,
		last_restored_s3_key TEXT NOT NULL,
		total_archives_restored INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (database_name, table_name)
	)`, s.table)
	return s.target.ExecDDL(ctx, stmt)
}

func (s *DatabaseStore) Load(ctx context.Context, database, table string) (*Watermark, error) {
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	var w Watermark
	query := fmt.Sprintf(`SELECT last_restored_date, last_restored_s3_key, total_archives_restored, updated_at
		FROM %s WHERE database_name = $1 AND table_name = $2`, s.table)
	err := s.target.Pool().QueryRow(ctx, query, database, table).Scan(
		&w.LastRestoredDate, &w.LastRestoredS3Key, &w.TotalArchivesRestored, &w.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("restorewatermark: load from %s: %w", s.table, err)
	}
	w.Database, w.Table = database, table
	return &w, nil
}

func (s *DatabaseStore) Save(ctx context.Context, w Watermark) error {
	if err := s.ensureTable(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (database_name, table_name, last_restored_date, last_restored_s3_key, total_archives_restored, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (database_name, table_name)
		DO UPDATE SET last_restored_date = EXCLUDED.last_restored_date,
			last_restored_s3_key = EXCLUDED.last_restored_s3_key,
			total_archives_restored = EXCLUDED.total_archives_restored,
			updated_at = NOW()`, s.table)
	_, err := s.target.Pool().Exec(ctx, query, w.Database, w.Table, w.LastRestoredDate, w.LastRestoredS3Key, w.TotalArchivesRestored)
	if err != nil {
		return fmt.Errorf("restorewatermark: save to %s: %w", s.table, err)
	}
	return nil
}

// Both tries the object store first on Load (matching restore_watermark.py's
// "s3 first, fall back to database" precedence for storage_type == "both"),
// and writes to both backends on Save.
type Both struct {
	objects  *ObjectStore
	database *DatabaseStore
}

func NewBoth(objects *ObjectStore, database *DatabaseStore) *Both {
	return &Both{objects: objects, database: database}
}

func (s *Both) Load(ctx context.Context, database, table string) (*Watermark, error) {
	w, err := s.objects.Load(ctx, database, table)
	if err != nil {
		return nil, err
	}
	if w != nil {
		return w, nil
	}
	return s.database.Load(ctx, database, table)
}

func (s *Both) Save(ctx context.Context, w Watermark) error {
	if err := s.objects.Save(ctx, w); err != nil {
		return err
	}
	return s.database.Save(ctx, w)
}

var (
	_ Store = (*ObjectStore)(nil)
	_ Store = (*DatabaseStore)(nil)
	_ Store = (*Both)(nil)
)

var (
	hivePattern = regexp.MustCompile(`year=(\d{4})/month=(\d{2})/day=(\d{2})`)
	isoPattern  = regexp.MustCompile(`(\d{4})(\d{2})(\d{2})T`)
)

// ExtractDate pulls the archive date out of an object key, trying the
// Hive-style partition first, then a YYYYMMDDT timestamp anywhere in the key,
// matching restore_watermark.py's extract_date_from_s3_key. Returns ok=false
// if no recognizable date is present.
func ExtractDate(key string) (t time.Time, ok bool) {
	if m := hivePattern.FindStringSubmatch(key); m != nil {
		return dateFromGroups(m)
	}
	if m := isoPattern.FindStringSubmatch(key); m != nil {
		return dateFromGroups(m)
	}
	return time.Time{}, false
}

func dateFromGroups(m []string) (time.Time, bool) {
	var year, month, day int
	if _, err := fmt.Sscanf(m[1]+" "+m[2]+" "+m[3], "%d %d %d", &year, &month, &day); err != nil {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
}

// ShouldRestore decides whether the archive at key needs restoring given the
// current watermark, matching restore_watermark.py's should_restore_archive:
// no watermark means first restore (process everything); an unparseable key
// date errs toward restoring rather than silently skipping; a strictly newer
// archive date always restores; an equal date restores unless it is the
// exact key already recorded, since two archives can legitimately share a
// day.
func ShouldRestore(key string, w *Watermark) bool {
	if w == nil {
		return true
	}
	archiveDate, ok := ExtractDate(key)
	if !ok {
		return true
	}
	switch {
	case archiveDate.After(w.LastRestoredDate):
		return true
	case archiveDate.Equal(w.LastRestoredDate):
		return key != w.LastRestoredS3Key
	default:
		return false
	}
}
