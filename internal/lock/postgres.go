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

package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/sourcestore"
)

// PostgresManager holds session-level advisory locks. The lock lives on a
// single checked-out connection for the lifetime of the Handle: releasing
// the connection back to the pool without calling pg_advisory_unlock would
// leak the lock until the connection closes, so Release always unlocks
// explicitly before returning the connection.
type PostgresManager struct {
	store *sourcestore.Store
}

// NewPostgresManager builds a lock manager backed by store's connection pool.
func NewPostgresManager(store *sourcestore.Store) *PostgresManager {
	return &PostgresManager{store: store}
}

// Acquire takes a session-level advisory lock for resource. ttl is advisory
// only for this backend: the lock's true lifetime is the checked-out
// connection's, released when Release is called or the process dies (in
// which case Postgres itself releases it when the backend connection
// closes, preventing a permanently stuck lock).
func (m *PostgresManager) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Handle, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	conn, err := m.store.Pool().Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock: acquire connection for %q: %w", resource, err)
	}

	key := resourceKey(resource)
	acquired, err := m.store.AdvisoryLockTry(ctx, conn, key)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("lock: try advisory lock for %q: %w", resource, err)
	}
	if !acquired {
		conn.Release()
		return nil, errBusy(resource, "another session")
	}

	heartbeat := func(ctx context.Context) error {
		// A held session-level advisory lock requires no active renewal;
		// the heartbeat instead confirms the connection (and therefore the
		// lock) is still alive, surfacing a lost lease if it is not.
		return conn.Ping(ctx)
	}
	release := func(ctx context.Context) error {
		defer conn.Release()
		return m.store.AdvisoryUnlock(ctx, conn, key)
	}

	return newHandle(resource, owner, ttl, DefaultHeartbeatInterval, heartbeat, release), nil
}

var _ Manager = (*PostgresManager)(nil)
