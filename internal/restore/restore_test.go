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

package restore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsbykora/audit-table-archiver-sub000/internal/migrator"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/model"
	"github.com/labsbykora/audit-table-archiver-sub000/internal/sourcestore"
)

func TestApplyOptionDefaults_FillsZeroValues(t *testing.T) {
	got := applyOptionDefaults(Options{})
	assert.Equal(t, 1000, got.BatchSize)
	assert.Equal(t, 1, got.CommitFrequency)
	assert.Equal(t, sourcestore.ConflictSkip, got.ConflictStrategy)
	assert.Equal(t, migrator.StrategyLenient, got.SchemaMigrationStrategy)
}

func TestApplyOptionDefaults_NeverOverridesCallerChoices(t *testing.T) {
	opts := Options{
		BatchSize:               50,
		CommitFrequency:         5,
		ConflictStrategy:        sourcestore.ConflictFail,
		SchemaMigrationStrategy: migrator.StrategyStrict,
	}
	got := applyOptionDefaults(opts)
	assert.Equal(t, opts, got)
}

func TestApplyOptionDefaults_NegativeSizesStillDefault(t *testing.T) {
	got := applyOptionDefaults(Options{BatchSize: -1, CommitFrequency: -1})
	assert.Equal(t, 1000, got.BatchSize)
	assert.Equal(t, 1, got.CommitFrequency)
}

func TestResolveTargetTable_ExplicitOverrideWins(t *testing.T) {
	table, err := resolveTargetTable(Options{Table: "override_orders"}, "archived_orders")
	require.NoError(t, err)
	assert.Equal(t, "override_orders", table)
}

func TestResolveTargetTable_FallsBackToArchiveMetadata(t *testing.T) {
	table, err := resolveTargetTable(Options{}, "archived_orders")
	require.NoError(t, err)
	assert.Equal(t, "archived_orders", table)
}

func TestResolveTargetTable_SchemaQualifiesWhicheverNameWon(t *testing.T) {
	table, err := resolveTargetTable(Options{Table: "orders", Schema: "audit"}, "archived_orders")
	require.NoError(t, err)
	assert.Equal(t, "audit.orders", table)

	table, err = resolveTargetTable(Options{Schema: "audit"}, "archived_orders")
	require.NoError(t, err)
	assert.Equal(t, "audit.archived_orders", table)
}

func TestResolveTargetTable_NoNameAnywhereIsAnError(t *testing.T) {
	_, err := resolveTargetTable(Options{}, "")
	assert.Error(t, err)
}

func TestColumnNames_CoversEveryKey(t *testing.T) {
	row := model.Row{"id": model.Int64Value(1), "name": model.TextValue("a"), "amount": model.Float64Value(1.5)}
	got := columnNames(row)
	assert.ElementsMatch(t, []string{"id", "name", "amount"}, got)
}

func TestColumnNames_EmptyRowIsEmptySlice(t *testing.T) {
	assert.Empty(t, columnNames(model.Row{}))
}
