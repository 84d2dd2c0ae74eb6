package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/orchestrator"
)

func job(database string, tables []string, status orchestrator.Status) Job {
	return Job{
		Database: database,
		Tables:   tables,
		Run: func(ctx context.Context) []orchestrator.Result {
			results := make([]orchestrator.Result, len(tables))
			for i, t := range tables {
				results[i] = orchestrator.Result{Database: database, Table: t, Status: status}
			}
			return results
		},
	}
}

func TestRun_OneReportPerDatabaseJob(t *testing.T) {
	jobs := []Job{
		job("db1", []string{"orders", "customers"}, orchestrator.StatusSuccess),
		job("db2", []string{"invoices"}, orchestrator.StatusSuccess),
	}

	reports := Run(context.Background(), jobs, 2)

	assert.Len(t, reports, 2)
	assert.Equal(t, "db1", reports[0].Database)
	assert.Len(t, reports[0].Tables, 2)
	assert.Equal(t, "db2", reports[1].Database)
	assert.Len(t, reports[1].Tables, 1)
}

func TestRun_SequentialWhenMaxParallelBelowOne(t *testing.T) {
	jobs := []Job{job("db1", []string{"orders"}, orchestrator.StatusSuccess)}
	reports := Run(context.Background(), jobs, 0)
	assert.Equal(t, OutcomeSuccess, reports[0].Outcome)
}

func TestRun_CancelledContextFailsRemainingJobsPerTable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobs := []Job{job("db1", []string{"orders", "customers"}, orchestrator.StatusSuccess)}
	reports := Run(ctx, jobs, 1)

	assert.Equal(t, OutcomeFailure, reports[0].Outcome)
	require := assert.New(t)
	require.Len(reports[0].Tables, 2)
	for _, tbl := range reports[0].Tables {
		require.Error(tbl.Err)
		require.True(errors.Is(tbl.Err, context.Canceled))
	}
}

func TestClassify_AllSucceeded(t *testing.T) {
	got := classify([]orchestrator.Result{
		{Status: orchestrator.StatusSuccess},
		{Status: orchestrator.StatusSkipped},
	})
	assert.Equal(t, OutcomeSuccess, got)
}

func TestClassify_AllFailed(t *testing.T) {
	got := classify([]orchestrator.Result{
		{Status: orchestrator.StatusFailed},
		{Status: orchestrator.StatusFailed},
	})
	assert.Equal(t, OutcomeFailure, got)
}

func TestClassify_MixedIsPartial(t *testing.T) {
	got := classify([]orchestrator.Result{
		{Status: orchestrator.StatusSuccess},
		{Status: orchestrator.StatusFailed},
	})
	assert.Equal(t, OutcomePartial, got)
}
