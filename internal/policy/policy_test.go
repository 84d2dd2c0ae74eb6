package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/errtax"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/objectstore"
)

func TestRequireNotOnHold_NilCheckerAllows(t *testing.T) {
	assert.NoError(t, RequireNotOnHold(context.Background(), nil, "db1", "orders"))
}

func TestRequireNotOnHold_NoopCheckerAllows(t *testing.T) {
	assert.NoError(t, RequireNotOnHold(context.Background(), NoopLegalHoldChecker{}, "db1", "orders"))
}

type fakeHoldChecker struct {
	held   bool
	reason string
	err    error
}

func (f fakeHoldChecker) OnHold(ctx context.Context, database, table string) (bool, string, error) {
	return f.held, f.reason, f.err
}

func TestRequireNotOnHold_HeldTableIsPolicyGateError(t *testing.T) {
	err := RequireNotOnHold(context.Background(), fakeHoldChecker{held: true, reason: "litigation"}, "db1", "orders")
	require.Error(t, err)
	assert.Equal(t, errtax.ClassPolicyGate, errtax.ClassOf(err))
}

func TestRequireNotOnHold_CheckerErrorPropagates(t *testing.T) {
	wantErr := errors.New("backend unavailable")
	err := RequireNotOnHold(context.Background(), fakeHoldChecker{err: wantErr}, "db1", "orders")
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
}

func TestFileLegalHoldChecker_LooksUpByDatabaseAndTable(t *testing.T) {
	c := &FileLegalHoldChecker{held: map[string]string{"db1/orders": "audit"}}

	held, reason, err := c.OnHold(context.Background(), "db1", "orders")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "audit", reason)

	held, _, err = c.OnHold(context.Background(), "db1", "customers")
	require.NoError(t, err)
	assert.False(t, held)
}

type fakeMultipartLister struct {
	uploads []objectstore.PendingUpload
	aborted []string
	failOn  string
}

func (f *fakeMultipartLister) ListPendingUploads(ctx context.Context, prefix string) ([]objectstore.PendingUpload, error) {
	return f.uploads, nil
}

func (f *fakeMultipartLister) AbortUpload(ctx context.Context, key, uploadID string) error {
	if key == f.failOn {
		return errors.New("abort failed")
	}
	f.aborted = append(f.aborted, key)
	return nil
}

func TestCleanOrphans_SkipsUploadsYoungerThanMinAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	lister := &fakeMultipartLister{uploads: []objectstore.PendingUpload{
		{Key: "old.jsonl.gz", UploadID: "u1", Initiated: now.Add(-2 * time.Hour)},
		{Key: "new.jsonl.gz", UploadID: "u2", Initiated: now.Add(-1 * time.Minute)},
	}}

	aborted, err := CleanOrphans(context.Background(), lister, "prefix/", time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"old.jsonl.gz"}, aborted)
}

func TestCleanOrphans_ReturnsPartialProgressOnAbortFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	lister := &fakeMultipartLister{
		uploads: []objectstore.PendingUpload{
			{Key: "a.jsonl.gz", UploadID: "u1", Initiated: now.Add(-2 * time.Hour)},
			{Key: "b.jsonl.gz", UploadID: "u2", Initiated: now.Add(-2 * time.Hour)},
		},
		failOn: "b.jsonl.gz",
	}

	aborted, err := CleanOrphans(context.Background(), lister, "prefix/", time.Hour, now)
	require.Error(t, err)
	assert.Equal(t, []string{"a.jsonl.gz"}, aborted)
}
