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

// Package checkpoint is the Checkpoint Store (C6): a more granular,
// more frequently written resume point than the watermark, recorded every
// checkpoint_interval batches so a crash mid-table loses at most a few
// batches of progress rather than the whole table.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/objectstore"
)

// Checkpoint is the last saved mid-table archival position.
type Checkpoint struct {
	Database         string    `json:"database_name"`
	Table            string    `json:"table_name"`
	BatchNumber      int       `json:"batch_number"`
	LastTimestamp    time.Time `json:"last_timestamp"`
	LastPK           any       `json:"last_primary_key"`
	RecordsArchived  int64     `json:"records_archived"`
	BatchesProcessed int       `json:"batches_processed"`
	LastBatchID      string    `json:"batch_id,omitempty"`
	CheckpointTime   time.Time `json:"checkpoint_time"`
}

// Store is implemented by the object-store-backed and local-disk-backed
// checkpoint backends.
type Store interface {
	Load(ctx context.Context, database, table string) (*Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
	Clear(ctx context.Context, database, table string) error
}

func objectKey(objects *objectstore.Store, database, table string) string {
	return objects.ControlKey(database, table, ".checkpoint.json")
}

// ObjectStore persists checkpoints as a JSON control object, mirroring
// `original_source/src/archiver/checkpoint.py`'s S3-backed mode.
type ObjectStore struct {
	objects *objectstore.Store
}

func NewObjectStore(objects *objectstore.Store) *ObjectStore {
	return &ObjectStore{objects: objects}
}

func (s *ObjectStore) Load(ctx context.Context, database, table string) (*Checkpoint, error) {
	key := objectKey(s.objects, database, table)
	data, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, nil //nolint:nilerr // absent checkpoint is a normal "fresh start" outcome
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", key, err)
	}
	return &cp, nil
}

func (s *ObjectStore) Save(ctx context.Context, cp Checkpoint) error {
	cp.CheckpointTime = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	return s.objects.Put(ctx, objectKey(s.objects, cp.Database, cp.Table), data)
}

func (s *ObjectStore) Clear(ctx context.Context, database, table string) error {
	return s.objects.Delete(ctx, objectKey(s.objects, database, table))
}

// LocalStore persists checkpoints as a JSON file on local disk, mirroring
// `original_source/src/archiver/checkpoint.py`'s local tempfile-backed mode
// (used when S3 round-trips per checkpoint would be too slow or the run is
// offline).
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

func (s *LocalStore) path(database, table string) string {
	return filepath.Join(s.dir, database, table+".checkpoint.json")
}

func (s *LocalStore) Load(ctx context.Context, database, table string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(database, table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: read %s: %w", s.path(database, table), err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", s.path(database, table), err)
	}
	return &cp, nil
}

func (s *LocalStore) Save(ctx context.Context, cp Checkpoint) error {
	cp.CheckpointTime = time.Now().UTC()
	path := s.path(cp.Database, cp.Table)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir: %w", err)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	// Write-then-rename keeps a crash mid-write from corrupting the
	// previous, still-valid checkpoint.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *LocalStore) Clear(ctx context.Context, database, table string) error {
	err := os.Remove(s.path(database, table))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: clear %s: %w", s.path(database, table), err)
	}
	return nil
}

var (
	_ Store = (*ObjectStore)(nil)
	_ Store = (*LocalStore)(nil)
)
