package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
)

func TestFileManager_AcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	m := NewFileManager(dir)

	h, err := m.Acquire(context.Background(), "acct.orders", "run-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, h)

	require.NoError(t, h.Release(context.Background()))
}

func TestFileManager_SecondAcquireIsBusy(t *testing.T) {
	dir := t.TempDir()
	m := NewFileManager(dir)

	h1, err := m.Acquire(context.Background(), "acct.orders", "run-1", time.Minute)
	require.NoError(t, err)
	defer h1.Release(context.Background())

	_, err = m.Acquire(context.Background(), "acct.orders", "run-2", time.Minute)
	require.Error(t, err)
	assert.Equal(t, errtax.ClassLockBusy, errtax.ClassOf(err))
}

func TestFileManager_StaleLockIsReplaced(t *testing.T) {
	dir := t.TempDir()
	m := NewFileManager(dir)

	// Write a lock file that expired a second ago, as a crashed holder leaves
	// behind. Acquire itself replaces a non-positive ttl with DefaultTTL.
	require.NoError(t, m.tryClaim(m.path("acct.orders"), "run-1", -time.Second))

	h2, err := m.Acquire(context.Background(), "acct.orders", "run-2", time.Minute)
	require.NoError(t, err)
	defer h2.Release(context.Background())

	payload, err := readPayload(m.path("acct.orders"))
	require.NoError(t, err)
	assert.Equal(t, "run-2", payload.Owner)
}

func TestFileManager_RenewRejectsOwnershipChange(t *testing.T) {
	dir := t.TempDir()
	m := NewFileManager(dir)

	require.NoError(t, m.tryClaim(m.path("acct.orders"), "run-1", time.Minute))
	err := m.renew(m.path("acct.orders"), "run-2", time.Minute)
	assert.Error(t, err)
}

func TestResourceKey_IsDeterministic(t *testing.T) {
	assert.Equal(t, resourceKey("acct.orders"), resourceKey("acct.orders"))
	assert.NotEqual(t, resourceKey("acct.orders"), resourceKey("acct.invoices"))
}
