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

package objectstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculatePartSize_SmallFileUsesDefault(t *testing.T) {
	assert.Equal(t, int64(defaultPartSize), calculatePartSize(50*1024*1024))
}

func TestCalculatePartSize_GrowsPastMaxParts(t *testing.T) {
	// At the default 10MiB part size this file would need more than
	// maxParts parts, so the part size must grow instead.
	fileSize := int64(maxParts+1) * defaultPartSize
	got := calculatePartSize(fileSize)
	assert.Greater(t, got, int64(defaultPartSize))
	assert.LessOrEqual(t, int64(fileSize)/got+1, int64(maxParts))
}

func TestCalculatePartSize_NeverExceedsMax(t *testing.T) {
	got := calculatePartSize(int64(maxParts) * maxPartSize * 2)
	assert.Equal(t, int64(maxPartSize), got)
}

func TestCalculatePartSize_NeverBelowMin(t *testing.T) {
	// A file barely over maxParts * defaultPartSize still must not produce
	// a part size smaller than the 5MiB floor.
	got := calculatePartSize(int64(maxParts)*defaultPartSize + 1)
	assert.GreaterOrEqual(t, got, int64(minPartSize))
}

func TestMultipartState_RemainingPartsExcludesUploaded(t *testing.T) {
	st := &multipartState{
		TotalParts:    4,
		UploadedParts: []uploadedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 3, ETag: "b"}},
	}
	assert.Equal(t, []int32{2, 4}, st.remainingParts())
}

func TestMultipartState_RemainingPartsAllWhenNoneUploaded(t *testing.T) {
	st := &multipartState{TotalParts: 3}
	assert.Equal(t, []int32{1, 2, 3}, st.remainingParts())
}

func TestMultipartState_RemainingPartsEmptyWhenComplete(t *testing.T) {
	st := &multipartState{
		TotalParts:    2,
		UploadedParts: []uploadedPart{{PartNumber: 1}, {PartNumber: 2}},
	}
	assert.Empty(t, st.remainingParts())
}

func TestMultipartState_SaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "upload.json")
	want := &multipartState{
		UploadID:      "abc123",
		Key:           "db/orders/year=2026/month=03/day=05/orders_batch_001.jsonl.gz",
		FilePath:      filepath.Join(dir, "orders_batch_001.data"),
		FileSize:      42,
		PartSize:      defaultPartSize,
		TotalParts:    1,
		UploadedParts: []uploadedPart{{PartNumber: 1, ETag: "etag-1"}},
	}
	require.NoError(t, want.save(path))

	got, err := loadMultipartState(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, got)
}

func TestLoadMultipartState_MissingFileReturnsNil(t *testing.T) {
	got, err := loadMultipartState(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadMultipartState_CorruptFileReturnsNilNotError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	got, err := loadMultipartState(path)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSafeStateName_ReplacesPathSeparators(t *testing.T) {
	assert.Equal(t, "db_orders_batch_001.jsonl.gz", safeStateName("db/orders/batch_001.jsonl.gz"))
}
