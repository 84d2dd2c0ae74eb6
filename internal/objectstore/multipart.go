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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Part size bounds, grounded on
// `original_source/src/archiver/multipart_upload.py`'s MultipartUploader
// class constants.
const (
	minPartSize     = 5 * 1024 * 1024
	maxPartSize     = 5 * 1024 * 1024 * 1024
	defaultPartSize = 10 * 1024 * 1024
	maxParts        = 10000
)

// uploadedPart is one completed part, persisted so a resumed upload knows
// which parts it can skip.
type uploadedPart struct {
	PartNumber int32  `json:"part_number"`
	ETag       string `json:"etag"`
}

// multipartState is the on-disk record of one in-progress upload, mirroring
// multipart_upload.py's MultipartUploadState.to_dict/from_dict shape.
type multipartState struct {
	UploadID      string         `json:"upload_id"`
	Key           string         `json:"key"`
	FilePath      string         `json:"file_path"`
	FileSize      int64          `json:"file_size"`
	PartSize      int64          `json:"part_size"`
	TotalParts    int            `json:"total_parts"`
	UploadedParts []uploadedPart `json:"uploaded_parts"`
}

func loadMultipartState(path string) (*multipartState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st multipartState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, nil // corrupt state file: treat as absent, start fresh
	}
	return &st, nil
}

func (st *multipartState) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// remainingParts returns the 1-indexed part numbers not yet recorded as
// uploaded, in ascending order.
func (st *multipartState) remainingParts() []int32 {
	done := make(map[int32]bool, len(st.UploadedParts))
	for _, p := range st.UploadedParts {
		done[p.PartNumber] = true
	}
	var remaining []int32
	for i := int32(1); i <= int32(st.TotalParts); i++ {
		if !done[i] {
			remaining = append(remaining, i)
		}
	}
	return remaining
}

// calculatePartSize picks a part size for fileSize, growing past the 10MiB
// default only when the file would otherwise need more than maxParts parts
// (S3's hard limit), matching multipart_upload.py's _calculate_part_size.
func calculatePartSize(fileSize int64) int64 {
	partSize := int64(defaultPartSize)
	numParts := int64(math.Ceil(float64(fileSize) / float64(partSize)))
	if numParts > maxParts {
		partSize = int64(math.Ceil(float64(fileSize) / float64(maxParts)))
		const mib = 1024 * 1024
		partSize = int64(math.Ceil(float64(partSize)/mib)) * mib
		if partSize < minPartSize {
			partSize = minPartSize
		}
	}
	if partSize > maxPartSize {
		partSize = maxPartSize
	}
	return partSize
}

// multipartUploader drives a resumable multipart upload: it spools the body
// to a local file under stateDir and persists {upload_id, key, file_path,
// part_size, total_parts, uploaded_parts[]} to a sibling state file before
// and after every part, so a process restarted mid-upload re-enumerates only
// the parts it hasn't confirmed yet (spec.md §4.3's "Resume:" contract).
// Grounded on multipart_upload.py's MultipartUploadState/MultipartUploader.
type multipartUploader struct {
	store     *Store
	stateDir  string
	threshold int64
}

func safeStateName(key string) string {
	r := strings.NewReplacer("/", "_", "\\", "_")
	return r.Replace(key)
}

func (m *multipartUploader) statePath(key string) string {
	return filepath.Join(m.stateDir, safeStateName(key)+".json")
}

func (m *multipartUploader) spoolPath(key string) string {
	return filepath.Join(m.stateDir, safeStateName(key)+".data")
}

// upload uploads body under key, resuming a prior attempt if a matching
// state + spool file pair is found on disk.
func (m *multipartUploader) upload(ctx context.Context, key string, body []byte) error {
	statePath := m.statePath(key)
	spoolPath := m.spoolPath(key)
	fileSize := int64(len(body))

	state, err := loadMultipartState(statePath)
	if err != nil {
		return fmt.Errorf("multipart: load state for %s: %w", key, err)
	}
	if state != nil {
		spoolInfo, statErr := os.Stat(spoolPath)
		if statErr != nil || spoolInfo.Size() != fileSize || state.FileSize != fileSize {
			// The spool content no longer matches what we were asked to
			// upload (or the spool file is gone): abandon the stale
			// upload and start over, matching multipart_upload.py's
			// "file has changed, starting new upload" fallback.
			_ = m.store.AbortUpload(ctx, state.Key, state.UploadID)
			state = nil
		}
	}

	if state == nil {
		if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
			return fmt.Errorf("multipart: create state dir: %w", err)
		}
		if err := os.WriteFile(spoolPath, body, 0o644); err != nil {
			return fmt.Errorf("multipart: spool %s: %w", key, err)
		}

		partSize := calculatePartSize(fileSize)
		totalParts := int(math.Ceil(float64(fileSize) / float64(partSize)))

		var uploadID string
		err := m.store.guarded(ctx, func() error {
			resp, err := m.store.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
				Bucket:               aws.String(m.store.cfg.Bucket),
				Key:                  aws.String(key),
				StorageClass:         storageClass(m.store.cfg.StorageClass),
				ServerSideEncryption: serverSideEncryption(m.store.cfg.Encryption),
			})
			if err != nil {
				return m.store.classify(err, "create multipart upload")
			}
			uploadID = aws.ToString(resp.UploadId)
			return nil
		})
		if err != nil {
			return err
		}

		state = &multipartState{
			UploadID:   uploadID,
			Key:        key,
			FilePath:   spoolPath,
			FileSize:   fileSize,
			PartSize:   partSize,
			TotalParts: totalParts,
		}
		if err := state.save(statePath); err != nil {
			return fmt.Errorf("multipart: save state for %s: %w", key, err)
		}
	}

	for _, partNumber := range state.remainingParts() {
		start := (int64(partNumber) - 1) * state.PartSize
		end := start + state.PartSize
		if end > fileSize {
			end = fileSize
		}

		var etag string
		err := m.store.guarded(ctx, func() error {
			resp, err := m.store.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:     aws.String(m.store.cfg.Bucket),
				Key:        aws.String(key),
				UploadId:   aws.String(state.UploadID),
				PartNumber: aws.Int32(partNumber),
				Body:       bytesReader(body[start:end]),
			})
			if err != nil {
				return m.store.classify(err, "upload part")
			}
			etag = aws.ToString(resp.ETag)
			return nil
		})
		if err != nil {
			// Parts already confirmed stay recorded in state on disk; a
			// retry of this same key picks up at this part number.
			return err
		}

		state.UploadedParts = append(state.UploadedParts, uploadedPart{PartNumber: partNumber, ETag: etag})
		if err := state.save(statePath); err != nil {
			return fmt.Errorf("multipart: save state for %s: %w", key, err)
		}
	}

	parts := make([]types.CompletedPart, len(state.UploadedParts))
	for i, p := range state.UploadedParts {
		parts[i] = types.CompletedPart{PartNumber: aws.Int32(p.PartNumber), ETag: aws.String(p.ETag)}
	}
	sort.Slice(parts, func(i, j int) bool { return *parts[i].PartNumber < *parts[j].PartNumber })

	err = m.store.guarded(ctx, func() error {
		_, err := m.store.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(m.store.cfg.Bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(state.UploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		if err != nil {
			return m.store.classify(err, "complete multipart upload")
		}
		return nil
	})
	if err != nil {
		return err
	}

	_ = os.Remove(statePath)
	_ = os.Remove(spoolPath)
	return nil
}

func bytesReader(b []byte) *bytesReaderAt { return &bytesReaderAt{b: b} }

// bytesReaderAt adapts a byte slice to io.ReadSeeker without copying, for
// UploadPartInput.Body (the SDK needs Seek to retry a part).
type bytesReaderAt struct {
	b   []byte
	pos int64
}

func (r *bytesReaderAt) Read(p []byte) (int, error) {
	if r.pos >= int64(len(r.b)) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *bytesReaderAt) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case 0:
		newPos = offset
	case 1:
		newPos = r.pos + offset
	case 2:
		newPos = int64(len(r.b)) + offset
	}
	r.pos = newPos
	return newPos, nil
}

// PendingUpload describes one incomplete multipart upload, as returned by
// ListMultipartUploads.
type PendingUpload struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// ListPendingUploads enumerates incomplete multipart uploads under prefix.
// policy.CleanOrphans (C16) uses this to find uploads
// abandoned by a crashed or killed run.
func (s *Store) ListPendingUploads(ctx context.Context, prefix string) ([]PendingUpload, error) {
	var out []PendingUpload
	var keyMarker, uploadIDMarker *string
	for {
		var page *s3.ListMultipartUploadsOutput
		err := s.guarded(ctx, func() error {
			resp, err := s.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
				Bucket:         aws.String(s.cfg.Bucket),
				Prefix:         aws.String(prefix),
				KeyMarker:      keyMarker,
				UploadIdMarker: uploadIDMarker,
			})
			if err != nil {
				return s.classify(err, "list multipart uploads")
			}
			page = resp
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, u := range page.Uploads {
			p := PendingUpload{}
			if u.Key != nil {
				p.Key = *u.Key
			}
			if u.UploadId != nil {
				p.UploadID = *u.UploadId
			}
			if u.Initiated != nil {
				p.Initiated = *u.Initiated
			}
			out = append(out, p)
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		keyMarker = page.NextKeyMarker
		uploadIDMarker = page.NextUploadIdMarker
	}
	return out, nil
}

// AbortUpload cancels an incomplete multipart upload, releasing the storage
// it had already staged.
func (s *Store) AbortUpload(ctx context.Context, key, uploadID string) error {
	return s.guarded(ctx, func() error {
		_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.cfg.Bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		if err != nil {
			return s.classify(err, "abort multipart upload")
		}
		return nil
	})
}
