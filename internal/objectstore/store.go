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

// Package objectstore is the Object Store Adapter (C2): put/get/head/list/
// delete against an S3-compatible bucket, with multipart upload for large
// archive objects, rate limiting, a circuit breaker, retry on transient
// failures, and a local-disk fallback spool for when the bucket is
// unreachable.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/retry"
)

// Config configures a Store. It is a narrowed, store-local view of
// internal/config.S3Config so this package never imports the config
// package directly.
type Config struct {
	Bucket                  string
	Endpoint                string
	Region                  string
	Prefix                  string
	StorageClass            string
	Encryption              string
	MultipartThresholdBytes int64
	RateLimitPerSecond      float64
	LocalFallbackDir        string
	RetryConfig             retry.Config
	AccessKeyID             string
	SecretAccessKey         string
	// CircuitBreakerTimeout is how long the breaker stays open before
	// letting a probe request through again. Defaults to 60s (spec.md §4.3).
	CircuitBreakerTimeout time.Duration
	// MultipartStateDir holds resumable-upload state files; see multipart.go.
	MultipartStateDir string
}

// Store wraps an S3 client scoped to one bucket/prefix.
type Store struct {
	client    *s3.Client
	uploader  *manager.Uploader
	multipart *multipartUploader
	cfg       Config
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
}

// New builds an S3 client from cfg, optionally pointed at a custom endpoint
// (for S3-compatible providers such as MinIO or Ceph RGW).
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errtax.New(errtax.ClassConfiguration, fmt.Errorf("objectstore: bucket is required"))
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errtax.New(errtax.ClassConfiguration, fmt.Errorf("load aws config: %w", err))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	threshold := cfg.MultipartThresholdBytes
	if threshold <= 0 {
		threshold = 100 * 1024 * 1024
	}
	// manager.Uploader only ever handles bodies below threshold here (Put
	// routes anything at or above it through the resumable multipartUploader
	// instead), so its own PartSize just needs to stay above whatever Put
	// will ever hand it directly.
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = threshold
	})

	limit := rate.Inf
	if cfg.RateLimitPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimitPerSecond)
	}

	breakerTimeout := cfg.CircuitBreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 60 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "objectstore-" + cfg.Bucket,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	stateDir := cfg.MultipartStateDir
	if stateDir == "" {
		stateDir = ".multipart_uploads"
	}

	s := &Store{
		client:   client,
		uploader: uploader,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		breaker:  breaker,
	}
	s.multipart = &multipartUploader{store: s, stateDir: stateDir, threshold: threshold}
	return s, nil
}

// datePartition renders the year=YYYY/month=MM/day=DD segment of an archive
// key, partitioned on the batch's archivedAt date (spec.md §3, §6).
func datePartition(archivedAt time.Time) string {
	archivedAt = archivedAt.UTC()
	return fmt.Sprintf("year=%04d/month=%02d/day=%02d", archivedAt.Year(), archivedAt.Month(), archivedAt.Day())
}

// batchFilename renders the filename stem shared by a batch's three archive
// objects: "<table>_<archivedAt:YYYYMMDDThhmmssZ>_batch_NNN".
func batchFilename(table string, archivedAt time.Time, batchNumber int) string {
	return fmt.Sprintf("%s_%s_batch_%03d", table, archivedAt.UTC().Format("20060102T150405Z"), batchNumber)
}

// key joins prefix (if configured), database, table, the date partition, and
// filename+suffix into one object key, matching the bit-exact layout from
// spec.md §6:
//
//	{prefix/}{database}/{table}/year=YYYY/month=MM/day=DD/{filename}{suffix}
func (s *Store) key(database, table string, archivedAt time.Time, batchNumber int, suffix string) string {
	parts := []string{database, table, datePartition(archivedAt), batchFilename(table, archivedAt, batchNumber) + suffix}
	if s.cfg.Prefix != "" {
		parts = append([]string{strings.Trim(s.cfg.Prefix, "/")}, parts...)
	}
	return strings.Join(parts, "/")
}

// Key builds the object key for an archived batch's gzip-compressed JSONL
// data file.
func (s *Store) Key(database, table string, archivedAt time.Time, batchNumber int) string {
	return s.key(database, table, archivedAt, batchNumber, ".jsonl.gz")
}

// MetadataKey builds the sidecar metadata object key for the same batch.
func (s *Store) MetadataKey(database, table string, archivedAt time.Time, batchNumber int) string {
	return s.key(database, table, archivedAt, batchNumber, ".metadata.json")
}

// ManifestKey builds the deletion manifest object key for the same batch.
func (s *Store) ManifestKey(database, table string, archivedAt time.Time, batchNumber int) string {
	return s.key(database, table, archivedAt, batchNumber, ".manifest.json")
}

// ControlKey builds the key for a per-(database,table) control object
// (watermark, checkpoint, restore-watermark), which sits directly under the
// table's prefix rather than inside a dated partition (spec.md §6: "leading-
// dot keys permitted").
func (s *Store) ControlKey(database, table, name string) string {
	parts := []string{database, table, name}
	if s.cfg.Prefix != "" {
		parts = append([]string{strings.Trim(s.cfg.Prefix, "/")}, parts...)
	}
	return strings.Join(parts, "/")
}

// Put uploads body under key, routing through the rate limiter, circuit
// breaker, and retry policy. Objects at or above the configured multipart
// threshold go through the resumable multipart uploader (multipart.go)
// instead of the plain single-request path.
func (s *Store) Put(ctx context.Context, key string, body []byte) error {
	if int64(len(body)) >= s.multipart.threshold {
		return s.multipart.upload(ctx, key, body)
	}
	return s.guarded(ctx, func() error {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(s.cfg.Bucket),
			Key:                  aws.String(key),
			Body:                 bytes.NewReader(body),
			StorageClass:         storageClass(s.cfg.StorageClass),
			ServerSideEncryption: serverSideEncryption(s.cfg.Encryption),
		})
		if err != nil {
			return s.classify(err, "put object")
		}
		return nil
	})
}

// Get downloads the object at key in full.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.guarded(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return s.classify(err, "get object")
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return errtax.New(errtax.ClassObjectTransient, fmt.Errorf("read object body: %w", err))
		}
		out = data
		return nil
	})
	return out, err
}

// Head returns the object's size without downloading its body.
func (s *Store) Head(ctx context.Context, key string) (int64, error) {
	var size int64
	err := s.guarded(ctx, func() error {
		resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return s.classify(err, "head object")
		}
		if resp.ContentLength != nil {
			size = *resp.ContentLength
		}
		return nil
	})
	return size, err
}

// List enumerates all object keys under prefix, paging through continuation
// tokens until exhausted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		var page *s3.ListObjectsV2Output
		err := s.guarded(ctx, func() error {
			resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.cfg.Bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
			})
			if err != nil {
				return s.classify(err, "list objects")
			}
			page = resp
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}
	return keys, nil
}

// Delete removes the object at key. Its only caller is checkpoint.ObjectStore's
// Clear; the archiver never deletes archived batch objects (no-data-loss
// invariant), and the restore engine never deletes anything.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.guarded(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return s.classify(err, "delete object")
		}
		return nil
	})
}

// guarded runs fn through the rate limiter, circuit breaker, and retry
// policy, in that order: wait for a token, let the breaker short-circuit an
// already-unhealthy backend, then retry transient failures.
func (s *Store) guarded(ctx context.Context, fn func() error) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errtax.New(errtax.ClassCancellation, err)
	}
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, retry.Do(ctx, s.cfg.RetryConfig, fn)
	})
	if err != nil && errors.Is(err, gobreaker.ErrOpenState) {
		return errtax.New(errtax.ClassObjectTransient, fmt.Errorf("circuit breaker open for bucket %s: %w", s.cfg.Bucket, err))
	}
	return err
}

// classify maps an AWS SDK error to the errtax taxonomy: not-found and other
// 4xx responses (except 408 and 429) are fatal, everything else (throttling,
// timeouts, connection resets, 5xx) is transient and eligible for retry.
func (s *Store) classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var nf *types.NoSuchKey
	var nb *types.NoSuchBucket
	if errors.As(err, &nf) || errors.As(err, &nb) {
		return errtax.New(errtax.ClassObjectFatal, fmt.Errorf("%s: %w", op, err))
	}
	var re interface{ HTTPStatusCode() int }
	if errors.As(err, &re) {
		if code := re.HTTPStatusCode(); code >= 400 && code < 500 && code != 408 && code != 429 {
			return errtax.New(errtax.ClassObjectFatal, fmt.Errorf("%s: %w", op, err))
		}
	}
	return errtax.New(errtax.ClassObjectTransient, fmt.Errorf("%s: %w", op, err))
}

func storageClass(s string) types.StorageClass {
	if s == "" {
		return ""
	}
	return types.StorageClass(s)
}

func serverSideEncryption(s string) types.ServerSideEncryption {
	switch s {
	case "", "none":
		return ""
	case "SSE-S3":
		return types.ServerSideEncryptionAes256
	case "SSE-KMS":
		return types.ServerSideEncryptionAwsKms
	default:
		return types.ServerSideEncryption(s)
	}
}

// LocalFallbackDir returns the configured spool directory, or "" if local
// fallback is disabled.
func (s *Store) LocalFallbackDir() string { return s.cfg.LocalFallbackDir }

// SpoolLocally writes body to the local fallback directory under key's path.
// Neither the orchestrator nor the binaries call it: a failed upload fails
// the batch and is not spooled automatically.
func (s *Store) SpoolLocally(key string, body []byte) (string, error) {
	if s.cfg.LocalFallbackDir == "" {
		return "", fmt.Errorf("objectstore: local fallback not configured")
	}
	path := filepath.Join(s.cfg.LocalFallbackDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("spool mkdir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("spool write: %w", err)
	}
	return path, nil
}

// DrainSpool uploads every file sitting in the local fallback directory and
// removes it on success. Nothing in the archiver or restore binaries calls
// it; a run does not drain the spool on its own.
func (s *Store) DrainSpool(ctx context.Context) (int, error) {
	if s.cfg.LocalFallbackDir == "" {
		return 0, nil
	}
	var drained int
	err := filepath.Walk(s.cfg.LocalFallbackDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.cfg.LocalFallbackDir, path)
		if err != nil {
			return err
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := s.Put(ctx, filepath.ToSlash(rel), body); err != nil {
			return nil // leave it spooled, try again next run
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		drained++
		return nil
	})
	return drained, err
}
