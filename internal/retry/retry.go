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

// Package retry provides the exponential-backoff-with-jitter helper the
// object store adapter uses for transient failures, bounded to a
// configurable attempt count. The source store adapter does not use it:
// its transient errors are classified but not retried.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
)

// Config mirrors the teacher's RetryConfig shape (pkg/ingestion/config.go):
// initial/max backoff and a multiplier, plus a bounded attempt count.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultConfig matches spec.md §4.3's defaults: 3 attempts, exponential
// backoff with jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// Do retries fn only for errors classified as transient by errtax.IsTransient;
// any other error (or a transient error past MaxAttempts) is returned
// immediately. Respects ctx cancellation between attempts.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = cfg.Multiplier
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall-clock

	attempts := 0
	for {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if !errtax.IsTransient(err) || attempts >= cfg.MaxAttempts {
			return err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		select {
		case <-ctx.Done():
			return errtax.New(errtax.ClassCancellation, ctx.Err())
		case <-time.After(wait):
		}
	}
}
