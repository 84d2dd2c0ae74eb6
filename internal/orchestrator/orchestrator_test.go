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

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/lock"
)

// fakeTableRunner is a TableRunner stub: it never touches a database or
// object store, so DatabaseRunner's own locking contract can be exercised
// without standing up Postgres/S3 (Runner itself unavoidably depends on
// the concrete sourcestore.Store/objectstore.Store clients and is reviewed
// by reading rather than unit tested, per this codebase's existing
// DB-touching-code convention).
type fakeTableRunner struct {
	table  string
	result Result
	handle *lock.Handle
	calls  *[]string
}

func (f *fakeTableRunner) Run(ctx context.Context) Result {
	if f.calls != nil {
		*f.calls = append(*f.calls, f.table)
	}
	res := f.result
	res.Table = f.table
	return res
}

func (f *fakeTableRunner) SetHandle(h *lock.Handle) { f.handle = h }
func (f *fakeTableRunner) TableName() string        { return f.table }

func TestDatabaseRunner_LockBusySkipsEveryTable(t *testing.T) {
	dir := t.TempDir()
	manager := lock.NewFileManager(dir)

	holder, err := manager.Acquire(context.Background(), "db1", "other-run", time.Minute)
	require.NoError(t, err)
	defer holder.Release(context.Background())

	var calls []string
	d := &DatabaseRunner{
		Database: "db1",
		Locks:    manager,
		Runners: []TableRunner{
			&fakeTableRunner{table: "orders", calls: &calls},
			&fakeTableRunner{table: "customers", calls: &calls},
		},
	}

	results := d.Run(context.Background())

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, StatusSkipped, r.Status)
		assert.Equal(t, "lock_busy", r.SkipReason)
		assert.Equal(t, "db1", r.Database)
	}
	assert.Empty(t, calls, "a busy database lock must not run any table")
}

func TestDatabaseRunner_RunsAllTablesUnderOneSharedHandle(t *testing.T) {
	dir := t.TempDir()
	manager := lock.NewFileManager(dir)

	var calls []string
	orders := &fakeTableRunner{table: "orders", result: Result{Status: StatusSuccess}, calls: &calls}
	customers := &fakeTableRunner{table: "customers", result: Result{Status: StatusSuccess}, calls: &calls}

	d := &DatabaseRunner{
		Database: "db1",
		Locks:    manager,
		Runners:  []TableRunner{orders, customers},
	}

	results := d.Run(context.Background())

	require.Len(t, results, 2)
	assert.Equal(t, []string{"orders", "customers"}, calls, "tables in one database run in order, never concurrently")
	require.NotNil(t, orders.handle)
	require.NotNil(t, customers.handle)
	assert.Equal(t, orders.handle.Resource, customers.handle.Resource, "every table shares the one database-level lock handle")
	assert.Equal(t, "db1", orders.handle.Resource)

	// Run released the lock afterward; a second acquire must succeed.
	h, err := manager.Acquire(context.Background(), "db1", "post-run-check", time.Second)
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background()))
}

func TestDatabaseRunner_LockLostAbortsRemainingTablesInDatabase(t *testing.T) {
	dir := t.TempDir()
	manager := lock.NewFileManager(dir)

	var calls []string
	orders := &fakeTableRunner{
		table:  "orders",
		result: Result{Status: StatusFailed, Err: lock.ErrLost("db1")},
		calls:  &calls,
	}
	customers := &fakeTableRunner{table: "customers", result: Result{Status: StatusSuccess}, calls: &calls}
	invoices := &fakeTableRunner{table: "invoices", result: Result{Status: StatusSuccess}, calls: &calls}

	d := &DatabaseRunner{
		Database: "db1",
		Locks:    manager,
		Runners:  []TableRunner{orders, customers, invoices},
	}

	results := d.Run(context.Background())

	require.Len(t, results, 3)
	assert.Equal(t, []string{"orders"}, calls, "a lock-lost table must stop the loop before its siblings run")
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, StatusFailed, results[1].Status)
	assert.Equal(t, "customers", results[1].Table)
	assert.Equal(t, errtax.ClassLockLost, errtax.ClassOf(results[1].Err))
	assert.Equal(t, StatusFailed, results[2].Status)
	assert.Equal(t, "invoices", results[2].Table)
}

func TestDatabaseRunner_NoRunnersStillAcquiresAndReleasesLock(t *testing.T) {
	dir := t.TempDir()
	manager := lock.NewFileManager(dir)

	d := &DatabaseRunner{Database: "db1", Locks: manager}
	results := d.Run(context.Background())
	assert.Empty(t, results)

	h, err := manager.Acquire(context.Background(), "db1", "post-run-check", time.Second)
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background()))
}

func TestRunner_LostIsNilSafeWithoutAHandle(t *testing.T) {
	r := &Runner{}
	select {
	case <-r.lost():
		t.Fatal("a Runner with no Handle must never report lock loss")
	default:
	}
}

func TestRunner_SetHandleWiresLostToTheSharedHandle(t *testing.T) {
	dir := t.TempDir()
	manager := lock.NewFileManager(dir)
	h, err := manager.Acquire(context.Background(), "db1", "run-1", time.Minute)
	require.NoError(t, err)
	defer h.Release(context.Background())

	r := &Runner{}
	r.SetHandle(h)
	assert.Equal(t, h, r.Handle)
	assert.Equal(t, h.Lost(), r.lost())
}
