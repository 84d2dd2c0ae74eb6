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

// Package lock is the Lock Manager (C4): enforces the at-most-one-writer
// invariant per database across postgresql-advisory, file-based and Redis
// backends, with a heartbeat goroutine keeping the lease alive for the
// duration of a run.
package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
)

// DefaultTTL and DefaultHeartbeatInterval match spec.md §4.4's defaults.
const (
	DefaultTTL               = 3600 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// Manager is implemented by each lock backend (Postgres advisory, file, Redis).
type Manager interface {
	// Acquire takes the lock for resource, or returns a LockBusy-classified
	// error if another owner already holds it. The returned Handle's
	// heartbeat goroutine is already running.
	Acquire(ctx context.Context, resource string, owner string, ttl time.Duration) (*Handle, error)
}

// Handle represents a held lock. Release must be called exactly once,
// which stops the heartbeat goroutine and releases the underlying lease.
type Handle struct {
	Resource string
	Owner    string
	ttl      time.Duration

	cancel   context.CancelFunc
	lost     chan struct{}
	release  func(context.Context) error
}

// newHandle starts the heartbeat goroutine that calls heartbeat every
// interval until the handle's context is canceled (by Release) or the
// heartbeat itself reports the lease was lost -- e.g. another process
// forcibly broke a stale lock. If heartbeat fails, Lost() closes so the
// orchestrator can abort rather than continue writing without a lock.
func newHandle(resource, owner string, ttl time.Duration, interval time.Duration, heartbeat func(context.Context) error, release func(context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		Resource: resource,
		Owner:    owner,
		ttl:      ttl,
		cancel:   cancel,
		lost:     make(chan struct{}),
		release:  release,
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := heartbeat(ctx); err != nil {
					close(h.lost)
					return
				}
			}
		}
	}()

	return h
}

// Lost returns a channel that closes if the heartbeat determines the lease
// was lost before Release was called. The orchestrator must select on this
// alongside its own work and abort the run if it fires (ClassLockLost).
func (h *Handle) Lost() <-chan struct{} { return h.lost }

// Release stops the heartbeat and releases the underlying lease.
func (h *Handle) Release(ctx context.Context) error {
	h.cancel()
	return h.release(ctx)
}

// resourceKey hashes a resource name (the database name) to the int64 key
// Postgres advisory locks require.
func resourceKey(resource string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(resource))
	return int64(h.Sum64())
}

// errBusy wraps a failed acquisition attempt naming the current holder.
func errBusy(resource, heldBy string) error {
	return errtax.New(errtax.ClassLockBusy, fmt.Errorf("lock for %q is held by %q", resource, heldBy), "resource", resource)
}

// ErrLost is raised on the orchestrator's side when Lost() fires.
func ErrLost(resource string) error {
	return errtax.New(errtax.ClassLockLost, fmt.Errorf("lock for %q was lost", resource), "resource", resource)
}
